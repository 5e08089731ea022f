package jobs

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing"
)

// DefaultMinimumDelayInterval is the time a delayed job may wait for the
// replicas before it is rescheduled.
const DefaultMinimumDelayInterval = 800 * time.Millisecond

// Strategy is the load balancing outcome of one job execution.
type Strategy string

const (
	StrategyPrimary        Strategy = "primary"
	StrategyPrimaryNoWAL   Strategy = "primary_no_wal"
	StrategyReplica        Strategy = "replica"
	StrategyReplicaRetried Strategy = "replica_retried"
	StrategyRetry          Strategy = "retry"
)

// UsesPrimary reports whether the job reads from the primary.
func (s Strategy) UsesPrimary() bool {
	return s == StrategyPrimary || s == StrategyPrimaryNoWAL
}

// ServerOpts provides options of a ServerMiddleware.
type ServerOpts struct {
	// MinimumDelayInterval bounds the wait of a delayed job, counted from
	// the job creation.
	MinimumDelayInterval time.Duration
	Clock                clock.Clock
	Logger               *zap.Logger
	Registerer           prometheus.Registerer
}

func (o *ServerOpts) applyDefaults() {
	if o.MinimumDelayInterval <= 0 {
		o.MinimumDelayInterval = DefaultMinimumDelayInterval
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// ServerMiddleware runs when a job is executed.
type ServerMiddleware struct {
	workers   *Registry
	balancers LoadBalancers
	opts      ServerOpts
	metrics   *metrics
}

// NewServerMiddleware creates a ServerMiddleware.
func NewServerMiddleware(workers *Registry, balancers LoadBalancers, opts ServerOpts) *ServerMiddleware {
	opts.applyDefaults()
	return &ServerMiddleware{
		workers:   workers,
		balancers: balancers,
		opts:      opts,
		metrics:   newMetrics(opts.Registerer),
	}
}

// Call picks the load balancing strategy of job, records it in
// job.LoadBalancingStrategy and runs next in a new session. A job that has
// to wait for the replicas is not run: Call returns a
// *ReplicaNotUpToDateError instead. The session is cleared when Call
// returns.
func (m *ServerMiddleware) Call(ctx context.Context, worker string, job *Job, next Handler) error {
	outerUsedPrimary := loadbalancing.SessionFromContext(ctx).UsingPrimary()

	return loadbalancing.WithSession(ctx, func(ctx context.Context) error {
		dc := m.workers.DataConsistency(worker)

		strategy := m.selectStrategy(ctx, dc, outerUsedPrimary, job)
		job.LoadBalancingStrategy = strategy
		m.metrics.observe(strategy, dc, worker)

		m.opts.Logger.Debug("load balancing strategy selected",
			zap.String("worker", worker),
			zap.String("jid", job.JID),
			zap.String("data_consistency", string(dc)),
			zap.String("strategy", string(strategy)))

		switch {
		case strategy == StrategyRetry:
			return &ReplicaNotUpToDateError{Worker: worker, JID: job.JID}
		case strategy.UsesPrimary():
			loadbalancing.SessionFromContext(ctx).UsePrimary()
		}
		return next(ctx)
	})
}

func (m *ServerMiddleware) selectStrategy(ctx context.Context, dc DataConsistency, usedPrimary bool, job *Job) Strategy {
	if !dc.LoadBalanced() {
		return StrategyPrimary
	}
	if len(job.WALLocations) == 0 {
		return StrategyPrimaryNoWAL
	}
	if usedPrimary {
		return StrategyPrimary
	}

	if m.balancers.AllCaughtUp(ctx, job.WALLocations) {
		if job.Retried() {
			return StrategyReplicaRetried
		}
		return StrategyReplica
	}

	if dc != Delayed {
		return StrategyPrimary
	}

	if m.sleepIfNeeded(job) {
		if m.balancers.AllCaughtUp(ctx, job.WALLocations) {
			return StrategyReplicaRetried
		}
	}

	if job.Retried() {
		return StrategyPrimary
	}
	return StrategyRetry
}

// sleepIfNeeded waits until MinimumDelayInterval passed since the job was
// created. It reports whether it waited. The wait ignores cancellation and
// never exceeds MinimumDelayInterval. A CreatedAt in the future is not
// waited for.
func (m *ServerMiddleware) sleepIfNeeded(job *Job) bool {
	if job.CreatedAt.IsZero() {
		return false
	}

	remaining := m.opts.MinimumDelayInterval - m.opts.Clock.Now().Sub(job.CreatedAt)
	if remaining <= 0 || remaining > m.opts.MinimumDelayInterval {
		return false
	}

	<-m.opts.Clock.After(remaining)
	return true
}
