package netmon

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Link, IPv4 address and IPv6 address changes. Route groups are left out on
// purpose: routing table churn is not a connectivity change.
const notificationGroups = unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR

var (
	// ErrMessageTruncated reports a datagram larger than the receive buffer.
	// The tail of the datagram is lost.
	ErrMessageTruncated = errors.New("netlink datagram truncated")
	// ErrReceiveOverrun reports that the kernel dropped messages because the
	// socket receive queue was full.
	ErrReceiveOverrun = errors.New("netlink receive queue overrun")

	errWouldBlock    = errors.New("netlink receive would block")
	errForeignSender = errors.New("netlink datagram not sent by the kernel")
)

// SetupError is returned when the notification socket cannot be created,
// bound or registered. Without it the notifier cannot run.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("netlink %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// datagramSocket is the receive side of the notification socket.
type datagramSocket interface {
	FD() int
	// Recv makes one non-blocking receive attempt into buf.
	Recv(buf []byte) (int, error)
	Close() error
}

type netlinkSocket struct {
	fd     int
	local  unix.SockaddrNetlink
	closed bool
}

// openNetlinkSocket creates a non-blocking NETLINK_ROUTE socket bound to
// groups. A zero pid lets the kernel pick the port id.
func openNetlinkSocket(pid uint32, groups uint32) (*netlinkSocket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, &SetupError{Op: "socket", Err: err}
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    pid,
		Groups: groups,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, &SetupError{Op: "bind", Err: err}
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &SetupError{Op: "getsockname", Err: err}
	}
	local, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		_ = unix.Close(fd)
		return nil, &SetupError{Op: "getsockname", Err: fmt.Errorf("unexpected address %T", sa)}
	}

	return &netlinkSocket{fd: fd, local: *local}, nil
}

func (s *netlinkSocket) FD() int { return s.fd }

// PortID is the port id the socket is bound to.
func (s *netlinkSocket) PortID() uint32 { return s.local.Pid }

func (s *netlinkSocket) Recv(buf []byte) (int, error) {
	for {
		n, _, flags, from, err := unix.Recvmsg(s.fd, buf, nil, unix.MSG_DONTWAIT)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, errWouldBlock
		case errors.Is(err, unix.ENOBUFS):
			return 0, ErrReceiveOverrun
		case err != nil:
			return 0, fmt.Errorf("recvmsg: %w", err)
		}

		if sa, ok := from.(*unix.SockaddrNetlink); ok && sa.Pid != 0 {
			return n, errForeignSender
		}
		if flags&unix.MSG_TRUNC != 0 {
			return n, ErrMessageTruncated
		}
		return n, nil
	}
}

// Close releases the descriptor. Later calls do nothing.
func (s *netlinkSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
