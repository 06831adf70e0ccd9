//go:build linux

package ioloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

type registration struct {
	fd      int
	mode    Mode
	watcher Watcher
}

// Loop is an epoll backed readiness loop.
type Loop struct {
	epfd   int
	wakefd int

	mu       sync.Mutex
	tasks    *queue.Queue
	watchers map[int]*registration
	quit     bool
	closed   bool

	running atomic.Bool
}

// New creates a loop. It does not start running until Run is called.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	// The wake descriptor stays level-triggered so a pending wake is never lost.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake fd: %w", err)
	}

	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		tasks:    queue.New(),
		watchers: make(map[int]*registration),
	}, nil
}

// Watch registers fd for the readiness selected by mode. The returned
// Controller deregisters it again.
func (l *Loop) Watch(fd int, mode Mode, w Watcher) (*Controller, error) {
	if mode&WatchReadWrite == 0 || mode&^WatchReadWrite != 0 {
		return nil, ErrInvalidMode
	}
	if w == nil {
		return nil, errors.New("ioloop: nil watcher")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.watchers[fd]; ok {
		return nil, ErrAlreadyWatched
	}

	ev := unix.EpollEvent{Events: epollEvents(mode), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}

	reg := &registration{fd: fd, mode: mode, watcher: w}
	l.watchers[fd] = reg

	log.WithFields(log.Fields{
		"fd":   fd,
		"mode": mode,
	}).Trace("Watching file descriptor")

	return &Controller{loop: l, reg: reg}, nil
}

// PostTask queues task to run on the loop goroutine. Safe from any goroutine.
// Tasks run in the order they were posted.
func (l *Loop) PostTask(task func()) error {
	if task == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.tasks.Add(task)
	return l.wakeLocked()
}

// Quit makes Run return after the callbacks of the current wake.
func (l *Loop) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.quit = true
	if !l.closed {
		_ = l.wakeLocked()
	}
}

// Run dispatches readiness callbacks and tasks on the calling goroutine until
// Quit is called or ctx is cancelled. Tasks still queued when Run returns are
// kept for a later Run.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if l.takeQuit() {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.consumeWake()
				continue
			}
			l.dispatch(fd, events[i].Events)
		}

		l.runTasks()
	}
}

// Close releases the loop's descriptors. It fails while Run is active.
// Descriptors still watched are not closed; they belong to their owners.
func (l *Loop) Close() error {
	if l.running.Load() {
		return ErrRunning
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if len(l.watchers) > 0 {
		log.WithField("watchers", len(l.watchers)).Debug("Closing loop with descriptors still watched")
	}
	clear(l.watchers)

	return errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
}

func (l *Loop) wakeLocked() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake loop: %w", err)
	}
	return nil
}

func (l *Loop) consumeWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakefd, buf[:]); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
	}
}

func (l *Loop) takeQuit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quit {
		l.quit = false
		return true
	}
	return false
}

func (l *Loop) lookup(fd int) *registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watchers[fd]
}

// dispatch looks the registration up again before each callback so a watcher
// stopped earlier in the same wake is never called.
func (l *Loop) dispatch(fd int, ev uint32) {
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if reg := l.lookup(fd); reg != nil && reg.mode&WatchRead != 0 {
			reg.watcher.OnFileCanReadWithoutBlocking(fd)
		}
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		if reg := l.lookup(fd); reg != nil && reg.mode&WatchWrite != 0 {
			reg.watcher.OnFileCanWriteWithoutBlocking(fd)
		}
	}
}

// runTasks runs the tasks queued at entry. Tasks posted meanwhile left a
// wake behind and run on the next iteration.
func (l *Loop) runTasks() {
	l.mu.Lock()
	n := l.tasks.Length()
	l.mu.Unlock()

	for i := 0; i < n; i++ {
		l.mu.Lock()
		if l.tasks.Length() == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks.Remove().(func())
		l.mu.Unlock()

		task()
	}
}

func epollEvents(mode Mode) uint32 {
	var events uint32 = unix.EPOLLET
	if mode&WatchRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if mode&WatchWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// Controller owns one registration made by Watch.
type Controller struct {
	loop *Loop
	reg  *registration
}

// FD returns the watched descriptor.
func (c *Controller) FD() int { return c.reg.fd }

// StopWatching deregisters the descriptor. Calling it again is a no-op.
func (c *Controller) StopWatching() error {
	l := c.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watchers[c.reg.fd] != c.reg {
		return nil
	}
	delete(l.watchers, c.reg.fd)

	if l.closed {
		return nil
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, c.reg.fd, nil); err != nil &&
		!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll ctl del fd %d: %w", c.reg.fd, err)
	}

	log.WithField("fd", c.reg.fd).Trace("Stopped watching file descriptor")
	return nil
}
