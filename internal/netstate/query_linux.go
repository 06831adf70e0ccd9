package netstate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const defaultMaxElapsed = 2 * time.Second

// linkSource is implemented by *netlink.Handle.
type linkSource interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// Querier reads snapshots through rtnetlink dumps.
type Querier struct {
	source     linkSource
	maxElapsed time.Duration
	now        func() time.Time
}

func NewQuerier() (*Querier, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &Querier{
		source:     h,
		maxElapsed: defaultMaxElapsed,
		now:        time.Now,
	}, nil
}

func (q *Querier) Close() {
	if h, ok := q.source.(*netlink.Handle); ok {
		h.Close()
	}
}

// Query dumps links and addresses of every family. A dump the kernel flags
// as interrupted by a concurrent change is retried with backoff until
// maxElapsed or ctx ends; any other failure is returned at once.
func (q *Querier) Query(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	attempt := 0

	operation := func() error {
		attempt++

		links, err := q.source.LinkList()
		if err != nil {
			return retryable(fmt.Errorf("list links: %w", err))
		}
		addrs, err := q.source.AddrList(nil, netlink.FAMILY_ALL)
		if err != nil {
			return retryable(fmt.Errorf("list addresses: %w", err))
		}

		snap = buildSnapshot(links, addrs, q.now())
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = q.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return Snapshot{}, err
	}

	if attempt > 1 {
		log.WithField("attempts", attempt).Debug("Network state dump needed retries")
	}
	return snap, nil
}

func retryable(err error) error {
	if errors.Is(err, netlink.ErrDumpInterrupted) {
		return err
	}
	return backoff.Permanent(err)
}

func buildSnapshot(links []netlink.Link, addrs []netlink.Addr, now time.Time) Snapshot {
	ifaces := make([]Interface, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		if attrs == nil {
			continue
		}
		ifaces = append(ifaces, Interface{
			Index:     attrs.Index,
			Name:      attrs.Name,
			Up:        attrs.Flags&net.FlagUp != 0 && attrs.Flags&net.FlagRunning != 0,
			OperState: attrs.OperState.String(),
		})
	}
	slices.SortFunc(ifaces, func(a, b Interface) int { return cmp.Compare(a.Index, b.Index) })

	byIndex := make(map[int]*Interface, len(ifaces))
	for i := range ifaces {
		byIndex[ifaces[i].Index] = &ifaces[i]
	}

	for _, a := range addrs {
		iface, ok := byIndex[a.LinkIndex]
		if !ok || a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IPNet.IP)
		if !ok {
			continue
		}
		ones, _ := a.IPNet.Mask.Size()
		iface.Addrs = append(iface.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
	}

	for i := range ifaces {
		slices.SortFunc(ifaces[i].Addrs, comparePrefix)
	}

	return Snapshot{Interfaces: ifaces, Time: now}
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}
