package jobs

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/pool"
)

// LoadBalancers is the set of load balancers a job may read from.
// *pool.Registry implements it.
type LoadBalancers interface {
	All() []pool.Balancer
	// AllCaughtUp reports whether every load balancer with a location has a
	// replica that caught up with it, and records the replica in the session
	// of ctx.
	AllCaughtUp(ctx context.Context, locations map[string]loadbalancing.WALLocation) bool
}

var _ LoadBalancers = (*pool.Registry)(nil)

// Handler is the next step of a middleware chain.
type Handler func(ctx context.Context) error

// ClientOpts provides options of a ClientMiddleware.
type ClientOpts struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

// ClientMiddleware runs when a job is enqueued.
type ClientMiddleware struct {
	workers   *Registry
	balancers LoadBalancers
	clock     clock.Clock
	logger    *zap.Logger
}

// NewClientMiddleware creates a ClientMiddleware.
func NewClientMiddleware(workers *Registry, balancers LoadBalancers, opts ClientOpts) *ClientMiddleware {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ClientMiddleware{
		workers:   workers,
		balancers: balancers,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// Call stamps job with the data consistency of worker and, for load
// balanced workers, with the WAL locations the job has to observe, then
// calls next. Locations already present on the job are kept as is, so a
// re-enqueued job keeps the locations of its first enqueue.
//
// The locations are read in the session of ctx: if the enqueuing unit of
// work wrote or used the primary, the primary write location is stamped,
// otherwise the location of a replica.
func (m *ClientMiddleware) Call(ctx context.Context, worker string, job *Job, next Handler) error {
	dc := m.workers.DataConsistency(worker)
	job.WorkerDataConsistency = dc

	now := m.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}

	if dc.LoadBalanced() && len(job.WALLocations) == 0 {
		if err := m.stampLocations(ctx, job); err != nil {
			return fmt.Errorf("%s JID-%s: %w", worker, job.JID, err)
		}
	}

	return next(ctx)
}

func (m *ClientMiddleware) stampLocations(ctx context.Context, job *Job) error {
	usePrimary := loadbalancing.SessionFromContext(ctx).UsingPrimary()

	source := SourceReplica
	if usePrimary {
		source = SourcePrimary
	}

	locations := make(map[string]loadbalancing.WALLocation)
	for _, b := range m.balancers.All() {
		if b.PrimaryOnly() {
			continue
		}

		var (
			location loadbalancing.WALLocation
			err      error
		)
		if usePrimary {
			location, err = b.PrimaryWriteLocation(ctx)
		} else {
			location, err = b.ReplicaLocation(ctx)
		}
		if err != nil {
			return fmt.Errorf("load balancer %s: %w", b.Name(), err)
		}
		if location.IsZero() {
			continue
		}
		locations[b.Name()] = location
	}

	if len(locations) == 0 {
		return nil
	}

	job.WALLocations = locations
	job.WALLocationSource = source
	m.logger.Debug("stamped wal locations",
		zap.String("jid", job.JID),
		zap.String("source", string(source)),
		zap.Any("wal_locations", locations))
	return nil
}
