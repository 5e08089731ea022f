package pool

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/go-loadbalancing"
)

// Registry holds the load balancers of a process by name, e.g. one per
// database.
type Registry struct {
	mutex     sync.RWMutex
	balancers map[string]Balancer
	names     []string
}

// NewRegistry returns a registry with balancers.
func NewRegistry(balancers ...Balancer) (*Registry, error) {
	r := &Registry{balancers: make(map[string]Balancer)}
	for _, b := range balancers {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds b. Names are unique.
func (r *Registry) Register(b Balancer) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.balancers == nil {
		r.balancers = make(map[string]Balancer)
	}
	if _, ok := r.balancers[b.Name()]; ok {
		return ErrExists
	}

	r.balancers[b.Name()] = b
	r.names = append(r.names, b.Name())
	return nil
}

// Get returns the balancer named name.
func (r *Registry) Get(name string) (Balancer, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	b, ok := r.balancers[name]
	return b, ok
}

// All returns the balancers in registration order.
func (r *Registry) All() []Balancer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ret := make([]Balancer, 0, len(r.names))
	for _, name := range r.names {
		ret = append(ret, r.balancers[name])
	}
	return ret
}

// Each calls fn for every balancer in registration order and stops at the
// first error.
func (r *Registry) Each(fn func(b Balancer) error) error {
	for _, b := range r.All() {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// AllCaughtUp reports whether every balancer with a location in locations
// has a replica that caught up with it. Balancers without a location are
// considered in sync.
func (r *Registry) AllCaughtUp(ctx context.Context, locations map[string]loadbalancing.WALLocation) bool {
	for _, b := range r.All() {
		location, ok := locations[b.Name()]
		if !ok || location.IsZero() {
			continue
		}
		if !b.SelectUpToDateHost(ctx, location) {
			return false
		}
	}
	return true
}

// Close closes every balancer.
func (r *Registry) Close() error {
	var errs *multierror.Error
	for _, b := range r.All() {
		if err := b.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
