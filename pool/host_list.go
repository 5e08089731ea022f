package pool

import (
	"context"
	"sync/atomic"

	"github.com/ice-blockchain/go-loadbalancing"
)

// HostList is a round-robin list of replica hosts. The list itself is never
// edited: Swap stores a new slice, so readers take a snapshot without
// locking and never observe a partially updated list.
type HostList struct {
	hosts   atomic.Pointer[[]*loadbalancing.Host]
	current uint64
}

// NewHostList returns a list of hosts.
func NewHostList(hosts []*loadbalancing.Host) *HostList {
	l := &HostList{}
	l.Swap(hosts)
	return l
}

// Hosts returns a copy of the current hosts.
func (l *HostList) Hosts() []*loadbalancing.Host {
	hosts := l.snapshot()
	ret := make([]*loadbalancing.Host, len(hosts))
	copy(ret, hosts)
	return ret
}

// snapshot returns the stored slice itself. It must not be modified.
func (l *HostList) snapshot() []*loadbalancing.Host {
	if p := l.hosts.Load(); p != nil {
		return *p
	}
	return nil
}

// Swap replaces the hosts and returns the previous snapshot.
func (l *HostList) Swap(hosts []*loadbalancing.Host) []*loadbalancing.Host {
	snapshot := make([]*loadbalancing.Host, len(hosts))
	copy(snapshot, hosts)

	old := l.hosts.Swap(&snapshot)
	if old == nil {
		return nil
	}
	return *old
}

// Len returns the number of hosts.
func (l *HostList) Len() int {
	return len(l.snapshot())
}

// IsEmpty reports whether the list has no hosts.
func (l *HostList) IsEmpty() bool {
	return l.Len() == 0
}

// Addresses returns the sorted addresses of the hosts.
func (l *HostList) Addresses() []loadbalancing.Address {
	hosts := l.snapshot()

	addrs := make([]loadbalancing.Address, 0, len(hosts))
	for _, h := range hosts {
		addrs = append(addrs, h.Address())
	}
	return loadbalancing.SortAddresses(addrs)
}

// Next returns the next online host in round-robin order or nil if no host
// is online.
func (l *HostList) Next(ctx context.Context) *loadbalancing.Host {
	hosts := l.snapshot()
	if len(hosts) == 0 {
		return nil
	}

	// We want to iterate through the elements in a circular order
	// so the first element in cycle is hosts[next]
	// and the last one is hosts[next + length].
	next := l.nextIndex(len(hosts))
	cycleLen := len(hosts) + next
	for i := next; i < cycleLen; i++ {
		idx := i % len(hosts)
		if hosts[idx].Online(ctx) {
			if i != next {
				atomic.StoreUint64(&l.current, uint64(idx+1))
			}
			return hosts[idx]
		}
	}

	return nil
}

func (l *HostList) nextIndex(size int) int {
	next := atomic.AddUint64(&l.current, 1)
	return int((next - 1) % uint64(size))
}
