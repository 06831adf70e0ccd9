// Package netstate reads the current link and address configuration and
// computes what changed between two reads.
package netstate

import (
	"net/netip"
	"time"
)

// Interface is one link and its addresses at snapshot time.
type Interface struct {
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	Up        bool           `json:"up"`
	OperState string         `json:"operState"`
	Addrs     []netip.Prefix `json:"addrs"`
}

// Snapshot is the link and address configuration at one point in time.
// Interfaces are sorted by index, addresses within an interface by value.
type Snapshot struct {
	Interfaces []Interface `json:"interfaces"`
	Time       time.Time   `json:"time"`
}

// Interface returns the interface with the given index.
func (s Snapshot) Interface(index int) (Interface, bool) {
	for _, iface := range s.Interfaces {
		if iface.Index == index {
			return iface, true
		}
	}
	return Interface{}, false
}

type DeltaType string

const (
	InterfaceAdded   DeltaType = "INTERFACE_ADDED"
	InterfaceRemoved DeltaType = "INTERFACE_REMOVED"
	InterfaceUp      DeltaType = "INTERFACE_UP"
	InterfaceDown    DeltaType = "INTERFACE_DOWN"
	AddressAdded     DeltaType = "ADDRESS_ADDED"
	AddressRemoved   DeltaType = "ADDRESS_REMOVED"
)

// Delta is one difference between two snapshots.
type Delta struct {
	Type          DeltaType    `json:"type"`
	Index         int          `json:"index"`
	InterfaceName string       `json:"interface"`
	Addr          netip.Prefix `json:"addr,omitzero"`
}
