// Package discovery keeps the replica list of a load balancer in sync with
// DNS.
//
// A ServiceDiscovery runs one background loop per load balancer. Every
// iteration resolves an A or SRV record, compares the addresses with the
// current replicas and replaces the replica list only when they differ.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/pool"
)

const (
	DefaultInterval            = 60 * time.Second
	DefaultMaxDiscoveryRetries = 3
	DefaultMaxSleepAdjustment  = 10 * time.Second

	retryInitialInterval = 150 * time.Millisecond
	// 150ms +/- 1/3 gives a first delay between 100ms and 200ms.
	retryRandomizationFactor = 1.0 / 3
)

var (
	ErrAlreadyStarted = errors.New("service discovery already started")
	ErrNotStarted     = errors.New("service discovery not started yet")
	ErrEmptyRecord    = errors.New("service discovery record should not be empty")
)

// Opts provides options of a ServiceDiscovery.
type Opts struct {
	// Record is the DNS name to resolve.
	Record     string
	RecordType RecordType
	// Interval is the smallest time between two refreshes. A larger DNS TTL
	// takes precedence.
	Interval time.Duration
	// MaxReplicaPools caps the number of replicas a process connects to.
	// Zero means no cap.
	MaxReplicaPools int
	// MaxDiscoveryRetries is the number of consecutive attempts of one
	// iteration before the failure is tracked.
	MaxDiscoveryRetries int
	// MaxSleepAdjustment is the upper bound of the random jitter added to
	// the sleep between iterations.
	MaxSleepAdjustment time.Duration
	Clock              clock.Clock
	// Seed seeds jitter and replica sampling. Zero picks a random seed.
	Seed         int64
	ErrorTracker loadbalancing.ErrorTracker
	Logger       *zap.Logger
	Registerer   prometheus.Registerer
}

func (o *Opts) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxDiscoveryRetries <= 0 {
		o.MaxDiscoveryRetries = DefaultMaxDiscoveryRetries
	}
	if o.MaxSleepAdjustment <= 0 {
		o.MaxSleepAdjustment = DefaultMaxSleepAdjustment
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ErrorTracker == nil {
		o.ErrorTracker = loadbalancing.NewLogErrorTracker(o.Logger)
	}
}

// ServiceDiscovery periodically resolves DNS and replaces the replicas of a
// load balancer.
type ServiceDiscovery struct {
	target   pool.TopologyEditor
	resolver AddressResolver
	opts     Opts
	logger   *zap.Logger
	metrics  *metrics
	sampler  *sampler

	randMutex sync.Mutex
	rand      *rand.Rand

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a ServiceDiscovery for target. An unsupported record type is
// a configuration error.
func New(target pool.TopologyEditor, resolver AddressResolver, opts Opts) (*ServiceDiscovery, error) {
	if opts.Record == "" {
		return nil, ErrEmptyRecord
	}
	if err := opts.RecordType.validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	return &ServiceDiscovery{
		target:   target,
		resolver: resolver,
		opts:     opts,
		logger: opts.Logger.With(
			zap.String("load_balancer", target.Name()),
			zap.String("record", opts.Record),
			zap.Stringer("record_type", opts.RecordType)),
		metrics: newMetrics(opts.Registerer),
		sampler: newSampler(opts.MaxReplicaPools, opts.Seed),
		rand:    rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Start starts the discovery loop in a new goroutine.
func (d *ServiceDiscovery) Start() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(ctx, d.done)

	d.logger.Info("service discovery started")
	return nil
}

// Stop stops the discovery loop. Use Wait to wait for it to exit.
func (d *ServiceDiscovery) Stop() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.cancel == nil {
		return ErrNotStarted
	}

	d.cancel()
	d.cancel = nil

	d.logger.Info("service discovery stopped")
	return nil
}

// Wait blocks until the loop started by the last Start exits.
func (d *ServiceDiscovery) Wait() {
	d.mutex.Lock()
	done := d.done
	d.mutex.Unlock()

	if done != nil {
		<-done
	}
}

func (d *ServiceDiscovery) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		interval := d.PerformServiceDiscovery(ctx)

		select {
		case <-ctx.Done():
			return
		case <-d.opts.Clock.After(interval + d.jitter()):
		}
	}
}

// PerformServiceDiscovery runs one iteration: up to MaxDiscoveryRetries
// refresh attempts separated by a randomized backoff delay. It returns the
// time to wait before the next iteration. When every attempt failed, the
// error is passed to the ErrorTracker and the default interval is returned;
// the current replicas are kept.
func (d *ServiceDiscovery) PerformServiceDiscovery(ctx context.Context) time.Duration {
	b := d.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxDiscoveryRetries; attempt++ {
		interval, err := d.refreshSafely(ctx)
		if err == nil {
			return interval
		}

		lastErr = err
		d.metrics.failures.WithLabelValues(d.target.Name()).Inc()
		d.logger.Warn("service discovery attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))

		if attempt == d.opts.MaxDiscoveryRetries {
			break
		}

		select {
		case <-ctx.Done():
			return d.opts.Interval
		case <-d.opts.Clock.After(b.NextBackOff()):
		}
	}

	if ctx.Err() == nil {
		d.opts.ErrorTracker.TrackException(ctx, lastErr,
			zap.String("load_balancer", d.target.Name()),
			zap.String("record", d.opts.Record))
	}
	return d.opts.Interval
}

func (d *ServiceDiscovery) refreshSafely(ctx context.Context) (interval time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service discovery panic: %v", r)
		}
	}()

	return d.RefreshIfNecessary(ctx)
}

// RefreshIfNecessary resolves the record and replaces the replicas if the
// resolved addresses differ from the current ones. It returns the time to
// wait before the next refresh.
func (d *ServiceDiscovery) RefreshIfNecessary(ctx context.Context) (time.Duration, error) {
	ttl, addrs, err := d.resolver.Resolve(ctx, d.opts.RecordType, d.opts.Record)
	if err != nil {
		return 0, err
	}
	if len(addrs) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyDNSResponse, d.opts.Record)
	}
	d.metrics.refreshes.WithLabelValues(d.target.Name()).Inc()

	addrs = d.sampler.sample(addrs)
	if !loadbalancing.EqualAddresses(addrs, d.target.HostAddresses()) {
		d.logger.Info("replica addresses changed",
			zap.Stringers("addresses", addrs))

		if err := d.target.ReplaceHosts(addrs); err != nil {
			return 0, err
		}
		d.metrics.replacements.WithLabelValues(d.target.Name()).Inc()
	}
	d.metrics.hosts.WithLabelValues(d.target.Name()).Set(float64(len(addrs)))

	return d.NextInterval(ttl), nil
}

// NextInterval returns the larger of ttl and the configured interval.
func (d *ServiceDiscovery) NextInterval(ttl time.Duration) time.Duration {
	return max(ttl, d.opts.Interval)
}

func (d *ServiceDiscovery) jitter() time.Duration {
	d.randMutex.Lock()
	defer d.randMutex.Unlock()

	return time.Duration(d.rand.Int63n(int64(d.opts.MaxSleepAdjustment)))
}

func (d *ServiceDiscovery) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     retryInitialInterval,
		RandomizationFactor: retryRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         d.opts.Interval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               d.opts.Clock,
	}
	b.Reset()
	return b
}
