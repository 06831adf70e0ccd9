package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs named workers side by side. The first worker to fail
// cancels the rest; shutdown closes workers in reverse registration order.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	started int
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Add registers a worker. Workers added after Start are neither run nor
// closed.
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return errors.New("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = len(s.workers)

	for _, w := range s.workers {
		s.wg.Add(1)
		go s.run(w)
	}
	return nil
}

func (s *Supervisor) run(w worker) {
	defer s.wg.Done()

	logger := log.WithField("worker", w.name)
	logger.Debug("Worker started")

	err := w.run(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Worker failed")
		s.errOnce.Do(func() { s.err = fmt.Errorf("%s: %w", w.name, err) })
		s.cancel()
		return
	}
	logger.Debug("Worker stopped")
}

// Wait blocks until ctx ends or a worker fails, then closes every worker
// and waits for them to return. It reports the first worker error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	workers := append([]worker(nil), s.workers[:s.started]...)
	derived, cancel := s.ctx, s.cancel
	s.mu.Unlock()

	if derived == nil {
		<-ctx.Done()
		return nil
	}

	select {
	case <-ctx.Done():
	case <-derived.Done():
	}
	cancel()

	// Close in reverse order.
	for i := len(workers) - 1; i >= 0; i-- {
		if workers[i].closeF == nil {
			continue
		}
		if err := workers[i].closeF(); err != nil {
			log.WithField("worker", workers[i].name).WithError(err).Warn("Worker close failed")
		}
	}
	s.wg.Wait()
	return s.err
}
