package runtime

import (
	"sync"
)

// SubQueue decouples a producer from one consumer. Enqueue never blocks; a
// dispatcher goroutine moves queued values into the consumer channel.
//
// A queue starts paused so a subscriber can be primed with snapshot values
// via Prime before live values are released with SetPaused(false).
type SubQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	limit  int
	drops  uint64
	closed bool
	paused bool

	outCh     chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubQueue creates a paused queue whose channel has outBuf slots.
// A positive limit bounds the backlog: when it is full the oldest queued
// value is dropped to make room.
func NewSubQueue[T any](outBuf, limit int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:  make(chan T, outBuf),
		done:   make(chan struct{}),
		limit:  limit,
		paused: true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// Chan is closed once the queue is closed.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends ev to the backlog. It is a no-op after Close.
func (sq *SubQueue[T]) Enqueue(ev T) {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.closed {
		return
	}
	if sq.limit > 0 && len(sq.queue) >= sq.limit {
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.drops++
	}
	sq.queue = append(sq.queue, ev)
	sq.cond.Signal()
}

// Prime sends ev straight to the consumer channel, bypassing the backlog.
// Only use it while paused, with a channel buffer large enough for every
// primed value.
func (sq *SubQueue[T]) Prime(ev T) {
	sq.outCh <- ev
}

// SetPaused gates the dispatcher. Values enqueued while paused are kept.
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Len is the current backlog, excluding values already in the channel.
func (sq *SubQueue[T]) Len() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.queue)
}

// Drops counts values discarded because the backlog was at its limit.
func (sq *SubQueue[T]) Drops() uint64 {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.drops
}

// Close stops the dispatcher and closes the channel. Backlogged values are
// discarded. Safe to call more than once.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	sq.closed = true
	sq.cond.Broadcast()
	sq.mu.Unlock()
	sq.closeOnce.Do(func() { close(sq.done) })
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.queue = nil
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		ev := sq.queue[0]
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.mu.Unlock()

		// Blocks only on the channel buffer and the reader, until Close.
		select {
		case sq.outCh <- ev:
		case <-sq.done:
		}
	}
}
