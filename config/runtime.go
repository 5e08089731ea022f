package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/discovery"
	"github.com/ice-blockchain/go-loadbalancing/pool"
)

// OpenOpts provides the shared dependencies of the opened components.
type OpenOpts struct {
	Clock        clock.Clock
	Logger       *zap.Logger
	Registerer   prometheus.Registerer
	ErrorTracker loadbalancing.ErrorTracker
}

// Runtime is the set of load balancers of a process and their discovery
// loops.
type Runtime struct {
	Registry    *pool.Registry
	Discoveries []*discovery.ServiceDiscovery
}

// Open connects every configured load balancer and starts service
// discovery where it is configured. On error everything opened so far is
// closed.
func (c *Config) Open(opts OpenOpts) (rt *Runtime, err error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rt = &Runtime{}
	if rt.Registry, err = pool.NewRegistry(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierror.Append(err, rt.Close())
			rt = nil
		}
	}()

	for _, name := range c.Names() {
		db := c.LoadBalancing.Databases[name]

		cfg, err := db.PoolConfig(name)
		if err != nil {
			return rt, fmt.Errorf("load balancer %s: %w", name, err)
		}
		cfg.HostOpts.Clock = opts.Clock
		cfg.HostOpts.Logger = opts.Logger
		cfg.Opts.Logger = opts.Logger

		lb, err := pool.Connect(cfg)
		if err != nil {
			return rt, fmt.Errorf("load balancer %s: %w", name, err)
		}
		if err := rt.Registry.Register(lb); err != nil {
			return rt, multierror.Append(err, lb.Close())
		}

		if db.Discover == nil {
			continue
		}

		sd, err := c.openDiscovery(lb, db.Discover, opts)
		if err != nil {
			return rt, fmt.Errorf("load balancer %s: %w", name, err)
		}
		rt.Discoveries = append(rt.Discoveries, sd)
	}

	return rt, nil
}

func (c *Config) openDiscovery(lb *pool.LoadBalancer, d *Discover, opts OpenOpts) (*discovery.ServiceDiscovery, error) {
	resolverOpts := d.ResolverOpts()
	resolverOpts.Logger = opts.Logger

	resolver, err := discovery.NewResolver(resolverOpts)
	if err != nil {
		return nil, err
	}

	discoveryOpts, err := d.DiscoveryOpts()
	if err != nil {
		return nil, err
	}
	discoveryOpts.Clock = opts.Clock
	discoveryOpts.Logger = opts.Logger
	discoveryOpts.Registerer = opts.Registerer
	discoveryOpts.ErrorTracker = opts.ErrorTracker

	sd, err := discovery.New(lb, resolver, discoveryOpts)
	if err != nil {
		return nil, err
	}
	if err := sd.Start(); err != nil {
		return nil, err
	}
	return sd, nil
}

// Close stops the discovery loops and closes the load balancers.
func (rt *Runtime) Close() error {
	var errs *multierror.Error
	for _, sd := range rt.Discoveries {
		if err := sd.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
		sd.Wait()
	}
	if rt.Registry != nil {
		if err := rt.Registry.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
