package runtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithin[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func requireClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for channel close")
		}
	}
}

func TestSubQueue_StartsPaused(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	defer sq.Close()

	sq.Enqueue(42)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive value while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, sq.Len())
}

func TestSubQueue_ResumeDeliversInOrder(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	defer sq.Close()

	sq.Enqueue(1)
	sq.Enqueue(2)
	sq.Enqueue(3)

	sq.SetPaused(false)

	assert.Equal(t, 1, recvWithin(t, sq.Chan()))
	assert.Equal(t, 2, recvWithin(t, sq.Chan()))
	assert.Equal(t, 3, recvWithin(t, sq.Chan()))
}

func TestSubQueue_PrimeBeforeLive(t *testing.T) {
	sq := NewSubQueue[string](4, 0)
	defer sq.Close()

	// Live value queued while the snapshot is being primed.
	sq.Enqueue("live")
	sq.Prime("snapshot-a")
	sq.Prime("snapshot-b")
	sq.SetPaused(false)

	assert.Equal(t, "snapshot-a", recvWithin(t, sq.Chan()))
	assert.Equal(t, "snapshot-b", recvWithin(t, sq.Chan()))
	assert.Equal(t, "live", recvWithin(t, sq.Chan()))
}

func TestSubQueue_PauseAndResume(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	defer sq.Close()

	sq.SetPaused(false)
	sq.Enqueue(1)
	assert.Equal(t, 1, recvWithin(t, sq.Chan()))

	sq.SetPaused(true)
	sq.Enqueue(2)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive while paused")
	case <-time.After(50 * time.Millisecond):
	}

	sq.SetPaused(false)
	assert.Equal(t, 2, recvWithin(t, sq.Chan()))
}

func TestSubQueue_LimitDropsOldest(t *testing.T) {
	sq := NewSubQueue[int](10, 3)
	defer sq.Close()

	for i := 0; i < 5; i++ {
		sq.Enqueue(i)
	}
	assert.Equal(t, 3, sq.Len())
	assert.Equal(t, uint64(2), sq.Drops())

	sq.SetPaused(false)
	assert.Equal(t, 2, recvWithin(t, sq.Chan()))
	assert.Equal(t, 3, recvWithin(t, sq.Chan()))
	assert.Equal(t, 4, recvWithin(t, sq.Chan()))
}

func TestSubQueue_UnlimitedBacklog(t *testing.T) {
	sq := NewSubQueue[int](1, 0)
	defer sq.Close()

	for i := 0; i < 100; i++ {
		sq.Enqueue(i)
	}
	assert.Equal(t, uint64(0), sq.Drops())

	sq.SetPaused(false)
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, recvWithin(t, sq.Chan()))
	}
}

func TestSubQueue_CloseClosesChannel(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	sq.SetPaused(false)

	sq.Enqueue(1)
	assert.Equal(t, 1, recvWithin(t, sq.Chan()))

	sq.Close()
	requireClosed(t, sq.Chan())
}

func TestSubQueue_CloseWhilePaused(t *testing.T) {
	sq := NewSubQueue[int](10, 0)

	sq.Enqueue(1)
	sq.Enqueue(2)
	sq.Close()

	requireClosed(t, sq.Chan())
}

func TestSubQueue_CloseWithBlockedReader(t *testing.T) {
	// No buffer and nobody reading: the dispatcher is stuck sending.
	sq := NewSubQueue[int](0, 0)
	sq.SetPaused(false)
	sq.Enqueue(1)
	sq.Enqueue(2)

	time.Sleep(20 * time.Millisecond)
	sq.Close()

	requireClosed(t, sq.Chan())
}

func TestSubQueue_EnqueueAfterClose(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	sq.Close()

	require.NotPanics(t, func() {
		sq.Enqueue(42)
	})
	assert.Equal(t, 0, sq.Len())
}

func TestSubQueue_MultipleCloses(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	sq.Close()

	require.NotPanics(t, func() {
		sq.Close()
	})
}

func TestSubQueue_ConcurrentEnqueue(t *testing.T) {
	sq := NewSubQueue[int](100, 0)
	defer sq.Close()
	sq.SetPaused(false)

	const producers, perProducer = 10, 10

	var wg sync.WaitGroup
	wg.Add(producers)
	for g := 0; g < producers; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				sq.Enqueue(id*100 + i)
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < producers*perProducer; i++ {
		seen[recvWithin(t, sq.Chan())] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestSubQueue_StructType(t *testing.T) {
	type event struct {
		ID   int
		Name string
	}

	sq := NewSubQueue[event](10, 0)
	defer sq.Close()
	sq.SetPaused(false)

	for i := 1; i <= 2; i++ {
		sq.Enqueue(event{ID: i, Name: fmt.Sprintf("event-%d", i)})
	}

	assert.Equal(t, event{ID: 1, Name: "event-1"}, recvWithin(t, sq.Chan()))
	assert.Equal(t, event{ID: 2, Name: "event-2"}, recvWithin(t, sq.Chan()))
}
