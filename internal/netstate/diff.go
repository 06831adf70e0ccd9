package netstate

import "slices"

// Diff lists what changed from old to cur, ordered by interface index.
// Added and removed interfaces produce a single delta each; address deltas
// are only computed for interfaces present in both snapshots.
func Diff(old, cur Snapshot) []Delta {
	before := make(map[int]Interface, len(old.Interfaces))
	for _, iface := range old.Interfaces {
		before[iface.Index] = iface
	}
	after := make(map[int]Interface, len(cur.Interfaces))
	for _, iface := range cur.Interfaces {
		after[iface.Index] = iface
	}

	indexes := make([]int, 0, len(before)+len(after))
	for idx := range before {
		indexes = append(indexes, idx)
	}
	for idx := range after {
		if _, ok := before[idx]; !ok {
			indexes = append(indexes, idx)
		}
	}
	slices.Sort(indexes)

	var deltas []Delta
	for _, idx := range indexes {
		prev, hadPrev := before[idx]
		next, hasNext := after[idx]

		switch {
		case !hadPrev:
			deltas = append(deltas, Delta{Type: InterfaceAdded, Index: idx, InterfaceName: next.Name})
		case !hasNext:
			deltas = append(deltas, Delta{Type: InterfaceRemoved, Index: idx, InterfaceName: prev.Name})
		default:
			deltas = append(deltas, diffInterface(prev, next)...)
		}
	}
	return deltas
}

func diffInterface(prev, next Interface) []Delta {
	var deltas []Delta

	if prev.Up != next.Up {
		t := InterfaceDown
		if next.Up {
			t = InterfaceUp
		}
		deltas = append(deltas, Delta{Type: t, Index: next.Index, InterfaceName: next.Name})
	}

	for _, a := range prev.Addrs {
		if !slices.Contains(next.Addrs, a) {
			deltas = append(deltas, Delta{Type: AddressRemoved, Index: next.Index, InterfaceName: next.Name, Addr: a})
		}
	}
	for _, a := range next.Addrs {
		if !slices.Contains(prev.Addrs, a) {
			deltas = append(deltas, Delta{Type: AddressAdded, Index: next.Index, InterfaceName: next.Name, Addr: a})
		}
	}

	return deltas
}
