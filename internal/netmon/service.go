package netmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netchanged/internal/netstate"
	"github.com/dmdmdm-nz/netchanged/internal/runtime"
)

// DefaultSettleDelay is how long the service waits after the last change
// event before re-reading network state.
const DefaultSettleDelay = 250 * time.Millisecond

// subscriberBacklog bounds how many state events a slow subscriber can fall
// behind before the oldest are dropped.
const subscriberBacklog = 64

type stateQuerier interface {
	Query(ctx context.Context) (netstate.Snapshot, error)
}

// StateEvent describes how the network state changed after a burst of
// notifications settled. The first event a subscriber receives carries the
// current snapshot and no deltas; its Seq is that of the last event folded
// into the snapshot, and every later event has a higher Seq.
type StateEvent struct {
	Seq      uint64            `json:"seq"`
	Kinds    ChangeKind        `json:"kinds"`
	Deltas   []netstate.Delta  `json:"deltas"`
	Snapshot netstate.Snapshot `json:"snapshot"`
}

// Service turns raw change notifications into state deltas. It is attached
// to a Notifier as an observer; the notifier side only enqueues, the
// querying and diffing happen on the Start goroutine.
type Service struct {
	querier     stateQuerier
	settleDelay time.Duration
	changes     *runtime.SubQueue[ChangeEvent]

	// mu is taken before subsMu when both are held.
	mu      sync.RWMutex
	current netstate.Snapshot
	seq     uint64

	subsMu           sync.Mutex
	subs             map[int]*runtime.SubQueue[StateEvent]
	nextSubscriberID int
	closed           bool
}

func NewService(querier stateQuerier, settleDelay time.Duration) *Service {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	changes := runtime.NewSubQueue[ChangeEvent](16, 0)
	changes.SetPaused(false)

	return &Service{
		querier:     querier,
		settleDelay: settleDelay,
		changes:     changes,
		subs:        make(map[int]*runtime.SubQueue[StateEvent]),
	}
}

// OnNetworkChanged is called on the loop goroutine and never blocks.
func (s *Service) OnNetworkChanged(ev ChangeEvent) {
	s.changes.Enqueue(ev)
}

// Current returns the last snapshot read.
func (s *Service) Current() netstate.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Service) Subscribe() (<-chan StateEvent, func()) {
	// Snapshot plus room for a few live events.
	sub := runtime.NewSubQueue[StateEvent](8, subscriberBacklog)

	// Holding mu keeps refresh out until the subscriber is registered and
	// the snapshot is taken, so no delta is both in the snapshot and queued.
	s.mu.RLock()

	// Register subscriber in paused mode (live events will enqueue).
	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		s.mu.RUnlock()
		sub.Close()
		return sub.Chan(), func() {}
	}
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subs[id] = sub
	s.subsMu.Unlock()

	snapshot := StateEvent{Seq: s.seq, Snapshot: s.current}
	s.mu.RUnlock()
	sub.Prime(snapshot)

	// Transition to live: flush queued live events, then unpause.
	sub.SetPaused(false)

	unsub := func() {
		s.subsMu.Lock()
		if q, ok := s.subs[id]; ok {
			delete(s.subs, id)
			q.Close()
		}
		s.subsMu.Unlock()
	}
	return sub.Chan(), unsub
}

// Start reads the initial state, then waits for change events. Each burst is
// given settleDelay to go quiet before state is read again and diffed.
func (s *Service) Start(ctx context.Context) error {
	log.WithField("settle", s.settleDelay).Info("Starting network state service")

	snap, err := s.querier.Query(ctx)
	if err != nil {
		return fmt.Errorf("initial network state: %w", err)
	}
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
	log.WithField("interfaces", len(snap.Interfaces)).Info("Read initial network state")

	timer := time.NewTimer(s.settleDelay)
	timer.Stop()
	defer timer.Stop()

	var (
		pending ChangeKind
		waiting bool
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping network state service")
			return nil

		case ev, ok := <-s.changes.Chan():
			if !ok {
				return nil
			}
			pending |= ev.Kinds
			if ev.Kinds == 0 {
				// An empty kind set still means something changed.
				pending |= DetailsLost
			}
			waiting = true
			timer.Reset(s.settleDelay)

		case <-timer.C:
			if !waiting {
				continue
			}
			kinds := pending
			pending, waiting = 0, false
			s.refresh(ctx, kinds)
		}
	}
}

func (s *Service) refresh(ctx context.Context, kinds ChangeKind) {
	snap, err := s.querier.Query(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).WithField("kinds", kinds).Warn("Failed to read network state")
		}
		return
	}

	s.mu.Lock()
	deltas := netstate.Diff(s.current, snap)
	s.current = snap
	if len(deltas) == 0 {
		s.mu.Unlock()
		log.WithField("kinds", kinds).Debug("Network change settled without state difference")
		return
	}
	s.seq++
	s.broadcast(StateEvent{
		Seq:      s.seq,
		Kinds:    kinds,
		Deltas:   deltas,
		Snapshot: snap,
	})
	s.mu.Unlock()

	for _, d := range deltas {
		log.WithFields(log.Fields{
			"type":      d.Type,
			"index":     d.Index,
			"interface": d.InterfaceName,
			"addr":      d.Addr,
		}).Info("Network state changed")
	}
}

func (s *Service) broadcast(ev StateEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, sub := range s.subs {
		sub.Enqueue(ev)
		if drops := sub.Drops(); drops > 0 {
			log.WithFields(log.Fields{
				"subscriber": id,
				"dropped":    drops,
			}).Trace("Slow state subscriber")
		}
	}
}

func (s *Service) Close() error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.changes.Close()
	for id, q := range s.subs {
		q.Close()
		delete(s.subs, id)
	}
	return nil
}
