package netmon

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ChangeKind is a bit set describing what a batch of netlink messages changed.
type ChangeKind uint8

const (
	LinkUp ChangeKind = 1 << iota
	LinkDown
	AddressAdded
	AddressRemoved
	// DetailsLost marks a batch in which at least one datagram or message
	// could not be read or decoded. Something may have changed.
	DetailsLost
)

var kindNames = []struct {
	kind ChangeKind
	name string
}{
	{LinkUp, "LINK_UP"},
	{LinkDown, "LINK_DOWN"},
	{AddressAdded, "ADDRESS_ADDED"},
	{AddressRemoved, "ADDRESS_REMOVED"},
	{DetailsLost, "DETAILS_LOST"},
}

// Has reports whether any kind in o is set in k.
func (k ChangeKind) Has(o ChangeKind) bool { return k&o != 0 }

func (k ChangeKind) String() string {
	if k == 0 {
		return "NONE"
	}
	parts := make([]string, 0, len(kindNames))
	for _, n := range kindNames {
		if k&n.kind != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(b []byte) error {
	*k = 0
	s := string(b)
	if s == "" || s == "NONE" {
		return nil
	}
next:
	for _, part := range strings.Split(s, "|") {
		for _, n := range kindNames {
			if part == n.name {
				*k |= n.kind
				continue next
			}
		}
		return fmt.Errorf("unknown change kind %q", part)
	}
	return nil
}

// Change is one classified netlink message.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Index int        `json:"index"`
	// Name is only known for link messages that carry IFLA_IFNAME.
	Name string `json:"name,omitempty"`
	// Addr is only set for address messages.
	Addr netip.Prefix `json:"addr,omitzero"`
}

// ChangeEvent is delivered to observers once per readiness wake that drained
// at least one classified change or lost details.
type ChangeEvent struct {
	Seq     uint64     `json:"seq"`
	Kinds   ChangeKind `json:"kinds"`
	Changes []Change   `json:"changes"`
	Time    time.Time  `json:"time"`
}

// Observer is notified when the network configuration may have changed.
//
// OnNetworkChanged runs on the loop goroutine, synchronously and in
// registration order, at most once per readiness wake. The event coalesces
// every message drained in that wake, in kernel order. Implementations must
// not block and must not modify ev.Changes; re-query current state elsewhere
// if specifics matter.
//
// An IPv6 address still in duplicate address detection is not reported.
// Its addition is notified once the kernel announces it as usable, so a wake
// that only saw tentative addresses produces no event.
//
// Observers are compared by value, so implementations are normally pointers.
type Observer interface {
	OnNetworkChanged(ev ChangeEvent)
}

// FuncObserver adapts a function to Observer. Each adapter is a distinct
// observer.
type FuncObserver struct {
	fn func(ChangeEvent)
}

func ObserverFunc(fn func(ChangeEvent)) *FuncObserver {
	return &FuncObserver{fn: fn}
}

func (o *FuncObserver) OnNetworkChanged(ev ChangeEvent) { o.fn(ev) }
