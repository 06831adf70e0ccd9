package netmon

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// ErrMalformedMessage reports a netlink message whose framing or payload
// cannot be decoded.
var ErrMalformedMessage = errors.New("malformed netlink message")

// Message is one netlink message split out of a datagram. Data aliases the
// receive buffer and is only valid until the next receive.
type Message struct {
	Header unix.NlMsghdr
	Data   []byte
}

// ParseMessages splits a datagram into its back-to-back messages. Each
// message declares its own length and is padded to NLMSG_ALIGNTO. On a short
// header or a length that does not fit, the messages parsed so far are
// returned together with an error wrapping ErrMalformedMessage.
func ParseMessages(b []byte) ([]Message, error) {
	var msgs []Message
	order := nl.NativeEndian()

	for len(b) > 0 {
		if len(b) < unix.SizeofNlMsghdr {
			return msgs, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(b))
		}

		h := unix.NlMsghdr{
			Len:   order.Uint32(b[0:4]),
			Type:  order.Uint16(b[4:6]),
			Flags: order.Uint16(b[6:8]),
			Seq:   order.Uint32(b[8:12]),
			Pid:   order.Uint32(b[12:16]),
		}
		if h.Len < unix.SizeofNlMsghdr || int(h.Len) > len(b) {
			return msgs, fmt.Errorf("%w: declared length %d with %d bytes left", ErrMalformedMessage, h.Len, len(b))
		}

		msgs = append(msgs, Message{Header: h, Data: b[unix.SizeofNlMsghdr:h.Len]})

		next := nlmsgAlign(int(h.Len))
		if next > len(b) {
			next = len(b)
		}
		b = b[next:]
	}

	return msgs, nil
}

func nlmsgAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}

// classify maps one message onto a Change. ok is false for message types
// that carry no connectivity information; they are not an error.
func classify(m Message) (c Change, ok bool, err error) {
	switch m.Header.Type {
	case unix.RTM_NEWLINK, unix.RTM_DELLINK:
		return classifyLink(m)
	case unix.RTM_NEWADDR, unix.RTM_DELADDR:
		return classifyAddr(m)
	case unix.NLMSG_OVERRUN:
		return Change{}, false, ErrReceiveOverrun
	default:
		return Change{}, false, nil
	}
}

func classifyLink(m Message) (Change, bool, error) {
	if len(m.Data) < unix.SizeofIfInfomsg {
		return Change{}, false, fmt.Errorf("%w: link payload of %d bytes", ErrMalformedMessage, len(m.Data))
	}

	info := nl.DeserializeIfInfomsg(m.Data)
	c := Change{
		Kind:  LinkDown,
		Index: int(info.Index),
	}

	if m.Header.Type == unix.RTM_NEWLINK && info.Flags&unix.IFF_UP != 0 && info.Flags&unix.IFF_RUNNING != 0 {
		c.Kind = LinkUp
	}

	// The name is informational; a bad attribute area does not void the change.
	if attrs, err := nl.ParseRouteAttr(m.Data[unix.SizeofIfInfomsg:]); err == nil {
		if v, found := findAttr(attrs, unix.IFLA_IFNAME); found {
			c.Name = strings.TrimRight(string(v), "\x00")
		}
	}

	return c, true, nil
}

func classifyAddr(m Message) (Change, bool, error) {
	if len(m.Data) < unix.SizeofIfAddrmsg {
		return Change{}, false, fmt.Errorf("%w: address payload of %d bytes", ErrMalformedMessage, len(m.Data))
	}

	ifa := nl.DeserializeIfAddrmsg(m.Data)
	if ifa.Family != unix.AF_INET && ifa.Family != unix.AF_INET6 {
		return Change{}, false, nil
	}

	c := Change{
		Kind:  AddressAdded,
		Index: int(ifa.Index),
	}
	if m.Header.Type == unix.RTM_DELADDR {
		c.Kind = AddressRemoved
	}

	flags := uint32(ifa.Flags)
	if attrs, err := nl.ParseRouteAttr(m.Data[unix.SizeofIfAddrmsg:]); err == nil {
		// IFA_LOCAL is the interface's own address on point-to-point links,
		// where IFA_ADDRESS is the peer.
		v, found := findAttr(attrs, unix.IFA_LOCAL)
		if !found {
			v, found = findAttr(attrs, unix.IFA_ADDRESS)
		}
		if found {
			if addr, valid := netip.AddrFromSlice(v); valid {
				c.Addr = netip.PrefixFrom(addr, int(ifa.Prefixlen))
			}
		}
		if v, found := findAttr(attrs, unix.IFA_FLAGS); found && len(v) >= 4 {
			flags = nl.NativeEndian().Uint32(v)
		}
	}

	// A tentative IPv6 address is not usable until duplicate address
	// detection finishes; the kernel announces it again when it is.
	if c.Kind == AddressAdded && ifa.Family == unix.AF_INET6 && flags&unix.IFA_F_TENTATIVE != 0 {
		return Change{}, false, nil
	}

	return c, true, nil
}

func findAttr(attrs []syscall.NetlinkRouteAttr, typ uint16) ([]byte, bool) {
	for _, a := range attrs {
		if a.Attr.Type == typ {
			return a.Value, true
		}
	}
	return nil, false
}

func messageTypeName(t uint16) string {
	switch t {
	case unix.RTM_NEWLINK:
		return "newlink"
	case unix.RTM_DELLINK:
		return "dellink"
	case unix.RTM_NEWADDR:
		return "newaddr"
	case unix.RTM_DELADDR:
		return "deladdr"
	case unix.NLMSG_OVERRUN:
		return "overrun"
	case unix.NLMSG_ERROR:
		return "error"
	case unix.NLMSG_DONE:
		return "done"
	default:
		return "other"
	}
}
