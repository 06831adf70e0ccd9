package netmon

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/netchanged/internal/ioloop"
)

// DefaultBufferSize is the receive buffer used for each netlink datagram.
const DefaultBufferSize = 32 * 1024

// maxRecvRetries bounds how many drains in a row are re-posted after a
// receive error. Past it the socket waits for the next kernel datagram.
const maxRecvRetries = 3

// readinessLoop is the part of ioloop.Loop the notifier needs.
type readinessLoop interface {
	Watch(fd int, mode ioloop.Mode, w ioloop.Watcher) (*ioloop.Controller, error)
	PostTask(task func()) error
}

type options struct {
	bufferSize int
	portID     uint32
	metrics    *Metrics
}

type Option func(*options)

// WithBufferSize sets the receive buffer size. Datagrams that do not fit are
// reported as lost details.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithPortID binds the socket to a fixed netlink port id instead of letting
// the kernel choose one.
func WithPortID(pid uint32) Option {
	return func(o *options) { o.portID = pid }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Notifier listens on a netlink socket for link and address changes and
// notifies its observers on the loop goroutine.
//
// Every method must be called on the loop goroutine, or before the loop runs
// or after it stopped.
type Notifier struct {
	loop      readinessLoop
	sock      datagramSocket
	ctl       *ioloop.Controller
	observers ObserverList[Observer]
	buf       []byte
	seq       uint64
	metrics   *Metrics
	closed    bool

	// retries counts consecutive drains that ended on a receive error.
	retries      int
	retryPending bool
}

// New opens the notification socket and registers it with loop for read
// readiness. Failure to do either returns a *SetupError and no notifier.
func New(loop readinessLoop, opts ...Option) (*Notifier, error) {
	o := options{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	sock, err := openNetlinkSocket(o.portID, notificationGroups)
	if err != nil {
		return nil, err
	}

	n, err := newNotifier(loop, sock, o)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"portID": sock.PortID(),
		"buffer": o.bufferSize,
	}).Info("Listening for netlink network changes")
	return n, nil
}

func newNotifier(loop readinessLoop, sock datagramSocket, o options) (*Notifier, error) {
	n := &Notifier{
		loop:    loop,
		sock:    sock,
		buf:     make([]byte, o.bufferSize),
		metrics: o.metrics,
	}

	ctl, err := loop.Watch(sock.FD(), ioloop.WatchRead, n)
	if err != nil {
		_ = sock.Close()
		return nil, &SetupError{Op: "watch", Err: err}
	}
	n.ctl = ctl

	return n, nil
}

// AddObserver registers o. Registering the same observer twice has no effect.
func (n *Notifier) AddObserver(o Observer) {
	if n.closed {
		return
	}
	if n.observers.Add(o) {
		n.metrics.setObservers(n.observers.Len())
	}
}

// RemoveObserver unregisters o. It is safe to call from inside
// OnNetworkChanged.
func (n *Notifier) RemoveObserver(o Observer) {
	if n.observers.Remove(o) {
		n.metrics.setObservers(n.observers.Len())
	}
}

// OnFileCanReadWithoutBlocking drains every pending datagram and notifies the
// observers once for the whole batch.
func (n *Notifier) OnFileCanReadWithoutBlocking(fd int) {
	if n.closed {
		return
	}

	var (
		changes []Change
		lost    bool
		reads   int
		failed  bool
	)

drain:
	for {
		nr, err := n.sock.Recv(n.buf)
		reads++

		switch {
		case err == nil:
			n.metrics.datagram()
			var decodeLost bool
			changes, decodeLost = n.decode(n.buf[:nr], changes, false)
			lost = lost || decodeLost

		case errors.Is(err, errWouldBlock):
			break drain

		case errors.Is(err, errForeignSender):
			log.WithField("bytes", nr).Trace("Dropping netlink datagram not sent by the kernel")

		case errors.Is(err, ErrMessageTruncated):
			n.metrics.datagram()
			n.metrics.lost("truncated")
			lost = true
			log.WithFields(log.Fields{
				"bytes":  nr,
				"buffer": len(n.buf),
			}).Warn("Netlink datagram larger than the receive buffer, details lost")
			// Whole messages ahead of the cut are still good.
			changes, _ = n.decode(n.buf[:nr], changes, true)

		case errors.Is(err, ErrReceiveOverrun):
			n.metrics.lost("overrun")
			lost = true
			log.Warn("Netlink receive queue overran, details lost")

		default:
			n.metrics.lost("recv")
			lost = true
			failed = true
			log.WithError(err).Warn("Failed to read netlink socket, stopping drain")
			break drain
		}
	}

	if failed {
		n.scheduleRetry(fd)
	} else {
		n.retries = 0
	}

	log.WithFields(log.Fields{
		"fd":      fd,
		"reads":   reads,
		"changes": len(changes),
		"lost":    lost,
	}).Trace("Drained netlink socket")

	n.dispatch(changes, lost)
}

// OnFileCanWriteWithoutBlocking is never called; the socket is read only.
func (n *Notifier) OnFileCanWriteWithoutBlocking(int) {}

// scheduleRetry re-runs the drain from a loop task. The registration is
// edge-triggered, so datagrams left queued behind a receive error would
// otherwise wait for the kernel to send another one.
func (n *Notifier) scheduleRetry(fd int) {
	if n.retryPending {
		return
	}
	if n.retries >= maxRecvRetries {
		log.WithField("retries", n.retries).Warn("Netlink receive keeps failing, waiting for the next datagram")
		n.retries = 0
		return
	}
	n.retries++

	err := n.loop.PostTask(func() {
		n.retryPending = false
		n.OnFileCanReadWithoutBlocking(fd)
	})
	if err != nil {
		log.WithError(err).Warn("Failed to schedule netlink drain retry")
		return
	}
	n.retryPending = true
}

// decode appends the changes found in one datagram. lost reports a framing or
// payload error somewhere in it. A truncated datagram always ends in a cut
// message, which is already accounted for and not counted again.
func (n *Notifier) decode(b []byte, changes []Change, truncated bool) ([]Change, bool) {
	lost := false

	msgs, err := ParseMessages(b)
	if err != nil && !truncated {
		n.metrics.lost("malformed")
		lost = true
		log.WithError(err).Debug("Netlink datagram framing error")
	}

	for _, m := range msgs {
		n.metrics.message(m.Header.Type)

		c, ok, err := classify(m)
		if err != nil {
			if errors.Is(err, ErrReceiveOverrun) {
				n.metrics.lost("overrun")
			} else {
				n.metrics.lost("malformed")
			}
			lost = true
			log.WithError(err).WithField("type", messageTypeName(m.Header.Type)).Debug("Undecodable netlink message")
			continue
		}
		if !ok {
			continue
		}

		log.WithFields(log.Fields{
			"kind":  c.Kind,
			"index": c.Index,
			"name":  c.Name,
			"addr":  c.Addr,
		}).Trace("Netlink change")
		changes = append(changes, c)
	}

	return changes, lost
}

func (n *Notifier) dispatch(changes []Change, lost bool) {
	if len(changes) == 0 && !lost {
		return
	}

	var kinds ChangeKind
	for _, c := range changes {
		kinds |= c.Kind
	}
	if lost {
		kinds |= DetailsLost
	}

	n.seq++
	ev := ChangeEvent{
		Seq:     n.seq,
		Kinds:   kinds,
		Changes: changes,
		Time:    time.Now(),
	}

	called := n.observers.Notify(func(o Observer) {
		o.OnNetworkChanged(ev)
	})
	n.metrics.notified()

	log.WithFields(log.Fields{
		"seq":       ev.Seq,
		"kinds":     ev.Kinds,
		"changes":   len(ev.Changes),
		"observers": called,
	}).Debug("Network change dispatched")
}

// Close stops watching the socket, closes it and drops every observer, in
// that order. No observer is called once Close has started. Later calls do
// nothing.
func (n *Notifier) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true

	var errs []error
	if err := n.ctl.StopWatching(); err != nil {
		errs = append(errs, fmt.Errorf("stop watching: %w", err))
	}
	if err := n.sock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close socket: %w", err))
	}
	n.observers.Clear()
	n.metrics.setObservers(0)

	log.Info("Stopped listening for netlink network changes")
	return errors.Join(errs...)
}
