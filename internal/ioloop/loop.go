// Package ioloop is a single-goroutine readiness loop. File descriptors are
// registered with a Watcher; every watcher callback and every posted task
// runs on the goroutine that called Run.
package ioloop

import "errors"

// Mode selects the readiness a Watcher is interested in.
type Mode uint8

const (
	WatchRead Mode = 1 << iota
	WatchWrite

	WatchReadWrite = WatchRead | WatchWrite
)

func (m Mode) String() string {
	switch m {
	case WatchRead:
		return "read"
	case WatchWrite:
		return "write"
	case WatchReadWrite:
		return "read|write"
	default:
		return "none"
	}
}

// Watcher receives readiness callbacks for a watched descriptor.
//
// Registrations are edge-triggered: a callback fires when the descriptor
// becomes ready, not while it stays ready. A read watcher must consume
// everything available before returning or it may not be woken again.
type Watcher interface {
	OnFileCanReadWithoutBlocking(fd int)
	OnFileCanWriteWithoutBlocking(fd int)
}

var (
	ErrClosed         = errors.New("ioloop: loop is closed")
	ErrRunning        = errors.New("ioloop: loop is running")
	ErrAlreadyWatched = errors.New("ioloop: descriptor is already watched")
	ErrInvalidMode    = errors.New("ioloop: invalid watch mode")
)
