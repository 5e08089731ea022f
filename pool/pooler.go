package pool

import (
	"context"

	"github.com/ice-blockchain/go-loadbalancing"
)

// Balancer is the interface that must be implemented by a load balancer to
// be used by the job middleware.
type Balancer interface {
	Name() string
	// PrimaryOnly reports whether the balancer has no replicas to route to.
	PrimaryOnly() bool
	PrimaryWriteLocation(ctx context.Context) (loadbalancing.WALLocation, error)
	ReplicaLocation(ctx context.Context) (loadbalancing.WALLocation, error)
	// SelectUpToDateHost selects a replica that replayed the WAL at least up
	// to location for the session of ctx.
	SelectUpToDateHost(ctx context.Context, location loadbalancing.WALLocation) bool
	Close() error
}

// TopologyEditor is the interface that must be implemented by a load
// balancer whose replica list is managed by service discovery.
type TopologyEditor interface {
	Name() string
	HostAddresses() []loadbalancing.Address
	ReplaceHosts(addrs []loadbalancing.Address) error
}

var (
	_ Balancer       = (*LoadBalancer)(nil)
	_ TopologyEditor = (*LoadBalancer)(nil)
)
