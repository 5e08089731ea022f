package test_helpers

import (
	"context"
	"sync"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/pool"
)

// MockTopology is an implementation of the pool.TopologyEditor interface
// that records replacements.
type MockTopology struct {
	mutex        sync.Mutex
	name         string
	addrs        []loadbalancing.Address
	replacements [][]loadbalancing.Address
	// Err is returned by ReplaceHosts if set.
	Err error
}

var _ pool.TopologyEditor = (*MockTopology)(nil)

// NewMockTopology creates a MockTopology with the current addresses.
func NewMockTopology(name string, addrs ...loadbalancing.Address) *MockTopology {
	return &MockTopology{name: name, addrs: loadbalancing.SortAddresses(addrs)}
}

func (m *MockTopology) Name() string {
	return m.name
}

func (m *MockTopology) HostAddresses() []loadbalancing.Address {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ret := make([]loadbalancing.Address, len(m.addrs))
	copy(ret, m.addrs)
	return ret
}

func (m *MockTopology) ReplaceHosts(addrs []loadbalancing.Address) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.Err != nil {
		return m.Err
	}

	m.addrs = make([]loadbalancing.Address, len(addrs))
	copy(m.addrs, addrs)
	m.replacements = append(m.replacements, m.addrs)
	return nil
}

// Replacements returns the address lists passed to ReplaceHosts.
func (m *MockTopology) Replacements() [][]loadbalancing.Address {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ret := make([][]loadbalancing.Address, len(m.replacements))
	copy(ret, m.replacements)
	return ret
}

// MockBalancer is an implementation of the pool.Balancer interface with
// scripted WAL locations and replica catch up.
type MockBalancer struct {
	BalancerName    string
	Primary         bool
	PrimaryLocation loadbalancing.WALLocation
	ReplicaLoc      loadbalancing.WALLocation
	LocationErr     error
	// CaughtUp answers SelectUpToDateHost. Nil means never caught up.
	CaughtUp func(location loadbalancing.WALLocation) bool

	mutex  sync.Mutex
	checks []loadbalancing.WALLocation
	closed bool
}

var _ pool.Balancer = (*MockBalancer)(nil)

func (b *MockBalancer) Name() string {
	return b.BalancerName
}

func (b *MockBalancer) PrimaryOnly() bool {
	return b.Primary
}

func (b *MockBalancer) PrimaryWriteLocation(context.Context) (loadbalancing.WALLocation, error) {
	return b.PrimaryLocation, b.LocationErr
}

func (b *MockBalancer) ReplicaLocation(context.Context) (loadbalancing.WALLocation, error) {
	return b.ReplicaLoc, b.LocationErr
}

func (b *MockBalancer) SelectUpToDateHost(_ context.Context, location loadbalancing.WALLocation) bool {
	b.mutex.Lock()
	b.checks = append(b.checks, location)
	b.mutex.Unlock()

	return b.CaughtUp != nil && b.CaughtUp(location)
}

func (b *MockBalancer) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	return nil
}

// Checks returns the locations passed to SelectUpToDateHost.
func (b *MockBalancer) Checks() []loadbalancing.WALLocation {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ret := make([]loadbalancing.WALLocation, len(b.checks))
	copy(ret, b.checks)
	return ret
}

// Closed reports whether Close was called.
func (b *MockBalancer) Closed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.closed
}
