// Package with a load balancer over a PostgreSQL primary and its replicas.
//
// Main features:
//
// - Return an online replica according to round-robin strategy.
//
// - Select a replica that caught up with a WAL location.
//
// - Replace the replica list at runtime without blocking readers.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/balancer"
)

var (
	ErrNoPrimary     = errors.New("primary host should be configured")
	ErrEmptyName     = errors.New("load balancer name should not be empty")
	ErrNoHostFactory = errors.New("no host factory to create discovered hosts")
	ErrNoRoInstance  = errors.New("can't find online replica in load balancer")
	ErrClosed        = errors.New("load balancer is closed")
	ErrUnknownMode   = errors.New("unknown mode")
	ErrExists        = errors.New("load balancer exists")
)

// HostFactory creates a replica host for a discovered address.
type HostFactory func(addr loadbalancing.Address) (*loadbalancing.Host, error)

// ConnHostFactory returns a HostFactory that opens replicas with conn
// settings.
func ConnHostFactory(conn loadbalancing.ConnConfig, opts loadbalancing.HostOpts) HostFactory {
	return func(addr loadbalancing.Address) (*loadbalancing.Host, error) {
		return loadbalancing.OpenHost(addr, loadbalancing.ReplicaRole, conn, opts)
	}
}

// Opts provides additional options of a LoadBalancer.
type Opts struct {
	// HostFactory creates hosts for addresses passed to ReplaceHosts.
	HostFactory HostFactory
	// DisconnectTimeout bounds how long a removed host waits for in-use
	// connections before it is closed.
	DisconnectTimeout time.Duration
	// ServiceDiscovery tells that replicas are managed by service discovery,
	// so an empty replica list is a transient state and not a primary-only
	// setup.
	ServiceDiscovery bool
	Logger           *zap.Logger
}

func (o *Opts) applyDefaults() {
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Config describes a load balancer opened by Connect.
type Config struct {
	Name     string
	Primary  loadbalancing.Address
	Replicas []loadbalancing.Address
	Conn     loadbalancing.ConnConfig
	HostOpts loadbalancing.HostOpts
	Opts     Opts
}

// LoadBalancer routes reads to replicas and writes to the primary. The
// primary is fixed; the replica list can be replaced at runtime.
type LoadBalancer struct {
	name    string
	primary *loadbalancing.Host
	hosts   *HostList
	opts    Opts
	logger  *zap.Logger

	state        state
	replaceMutex sync.Mutex
	disconnects  sync.WaitGroup
}

// New creates a load balancer over already opened hosts.
func New(name string, primary *loadbalancing.Host, replicas []*loadbalancing.Host, opts Opts) (*LoadBalancer, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if primary == nil {
		return nil, ErrNoPrimary
	}
	opts.applyDefaults()

	return &LoadBalancer{
		name:    name,
		primary: primary,
		hosts:   NewHostList(replicas),
		opts:    opts,
		logger:  opts.Logger.With(zap.String("load_balancer", name)),
		state:   connectedState,
	}, nil
}

// Connect opens the primary and the replicas of cfg. Connections are
// established lazily by the driver.
func Connect(cfg Config) (*LoadBalancer, error) {
	if cfg.Primary.Host == "" {
		return nil, ErrNoPrimary
	}

	primary, err := loadbalancing.OpenHost(cfg.Primary, loadbalancing.PrimaryRole, cfg.Conn, cfg.HostOpts)
	if err != nil {
		return nil, err
	}

	if cfg.Opts.HostFactory == nil {
		cfg.Opts.HostFactory = ConnHostFactory(cfg.Conn, cfg.HostOpts)
	}

	replicas := make([]*loadbalancing.Host, 0, len(cfg.Replicas))
	for _, addr := range loadbalancing.SortAddresses(cfg.Replicas) {
		h, err := cfg.Opts.HostFactory(addr)
		if err != nil {
			errs := multierror.Append(err, primary.Disconnect(0))
			for _, r := range replicas {
				errs = multierror.Append(errs, r.Disconnect(0))
			}
			return nil, errs.ErrorOrNil()
		}
		replicas = append(replicas, h)
	}

	return New(cfg.Name, primary, replicas, cfg.Opts)
}

// Name returns the name of the load balancer.
func (p *LoadBalancer) Name() string {
	return p.name
}

// Primary returns the primary host.
func (p *LoadBalancer) Primary() *loadbalancing.Host {
	return p.primary
}

// Hosts returns a copy of the current replica hosts.
func (p *LoadBalancer) Hosts() []*loadbalancing.Host {
	return p.hosts.Hosts()
}

// HostAddresses returns the sorted addresses of the replica hosts.
func (p *LoadBalancer) HostAddresses() []loadbalancing.Address {
	return p.hosts.Addresses()
}

// PrimaryOnly reports whether there are no replicas to route reads to.
func (p *LoadBalancer) PrimaryOnly() bool {
	return !p.opts.ServiceDiscovery && p.hosts.IsEmpty()
}

// Host returns a host for the mode. In ANY mode a host selected for the
// session of ctx is preferred.
func (p *LoadBalancer) Host(ctx context.Context, mode Mode) (*loadbalancing.Host, error) {
	if p.state.get() == closedState {
		return nil, ErrClosed
	}

	switch mode {
	case ANY:
		session := loadbalancing.SessionFromContext(ctx)
		if session.UsingPrimary() {
			return p.primary, nil
		}
		if h := session.SelectedHost(p.name); h != nil && !h.Disconnected() {
			return h, nil
		}
		if h := p.hosts.Next(ctx); h != nil {
			return h, nil
		}
		return p.primary, nil

	case RW:
		return p.primary, nil

	case RO:
		if h := p.hosts.Next(ctx); h != nil {
			return h, nil
		}
		return nil, ErrNoRoInstance

	case PreferRO:
		if h := p.hosts.Next(ctx); h != nil {
			return h, nil
		}
		return p.primary, nil
	}

	return nil, ErrUnknownMode
}

// SelectUpToDateHost looks for a replica that replayed the WAL at least up
// to location. The hosts are tried starting at a random one; hosts that are
// offline or fail the check are skipped. The found host is remembered in the
// session of ctx.
func (p *LoadBalancer) SelectUpToDateHost(ctx context.Context, location loadbalancing.WALLocation) bool {
	hosts := p.hosts.snapshot()
	if len(hosts) == 0 {
		return false
	}

	start := rand.Intn(len(hosts))
	for i := range hosts {
		h := hosts[(start+i)%len(hosts)]
		if !h.Online(ctx) {
			continue
		}

		ok, err := h.CaughtUp(ctx, location)
		if err != nil {
			p.logger.Warn("replica catch-up check failed",
				zap.Stringer("host", h.Address()), zap.Error(err))
			h.MarkOffline()
			continue
		}
		if ok {
			loadbalancing.SessionFromContext(ctx).SelectHost(p.name, h)
			return true
		}
	}

	return false
}

// PrimaryWriteLocation returns the current WAL insert location of the primary.
func (p *LoadBalancer) PrimaryWriteLocation(ctx context.Context) (loadbalancing.WALLocation, error) {
	return p.primary.PrimaryWritePosition(ctx)
}

// ReplicaLocation returns the replayed WAL location of the replica the
// session of ctx reads from. If no replica is available, the primary write
// location is returned, which every replica has to reach anyway.
func (p *LoadBalancer) ReplicaLocation(ctx context.Context) (loadbalancing.WALLocation, error) {
	h, err := p.Host(ctx, ANY)
	if err != nil {
		return "", err
	}

	if h != p.primary {
		loc, err := h.ReplicaWALPosition(ctx)
		if err == nil {
			return loc, nil
		}
		p.logger.Warn("replica location failed, using primary",
			zap.Stringer("host", h.Address()), zap.Error(err))
		h.MarkOffline()
	}

	return p.PrimaryWriteLocation(ctx)
}

// QueryContext runs a query. Reads go to a replica unless the session sticks
// to the primary; writes go to the primary and make the session stick to it.
func (p *LoadBalancer) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	h, stmt, err := p.hostFor(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := h.DB().QueryContext(ctx, stmt, args...)
	if err != nil && h != p.primary && isConnectionError(err) {
		p.logger.Warn("replica query failed, retrying on primary",
			zap.Stringer("host", h.Address()), zap.Error(err))
		h.MarkOffline()
		return p.primary.DB().QueryContext(ctx, stmt, args...)
	}
	return rows, err
}

// QueryRowContext runs a query expected to return at most one row. It is
// routed like QueryContext.
func (p *LoadBalancer) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	h, stmt, err := p.hostFor(ctx, query)
	if err != nil {
		// The closed primary reports the error through the row.
		h = p.primary
	}
	return h.DB().QueryRowContext(ctx, stmt, args...)
}

// ExecContext runs a statement on the primary and makes the session of ctx
// stick to it.
func (p *LoadBalancer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if p.state.get() == closedState {
		return nil, ErrClosed
	}

	loadbalancing.SessionFromContext(ctx).Write()
	stmt, _ := balancer.RequiresWrite(query, true)
	return p.primary.DB().ExecContext(ctx, stmt, args...)
}

func (p *LoadBalancer) hostFor(ctx context.Context, query string) (*loadbalancing.Host, string, error) {
	stmt, write := balancer.RequiresWrite(query, true)
	if write {
		if p.state.get() == closedState {
			return nil, stmt, ErrClosed
		}
		loadbalancing.SessionFromContext(ctx).Write()
		return p.primary, stmt, nil
	}

	h, err := p.Host(ctx, ANY)
	return h, stmt, err
}

func isConnectionError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, loadbalancing.ErrHostDisconnected)
}

// ReplaceHosts makes addrs the replica list. Hosts whose address is still
// present are kept with their pooled connections, new addresses get hosts
// from the HostFactory and hosts that are gone are disconnected in the
// background.
func (p *LoadBalancer) ReplaceHosts(addrs []loadbalancing.Address) error {
	p.replaceMutex.Lock()
	defer p.replaceMutex.Unlock()

	if p.state.get() == closedState {
		return ErrClosed
	}

	current := make(map[loadbalancing.Address]*loadbalancing.Host)
	for _, h := range p.hosts.snapshot() {
		current[h.Address()] = h
	}

	var errs *multierror.Error
	next := make([]*loadbalancing.Host, 0, len(addrs))
	added := 0
	for _, addr := range addrs {
		if h, ok := current[addr]; ok {
			next = append(next, h)
			delete(current, addr)
			continue
		}

		if p.opts.HostFactory == nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", addr, ErrNoHostFactory))
			continue
		}
		h, err := p.opts.HostFactory(addr)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		next = append(next, h)
		added++
	}

	p.hosts.Swap(next)

	removed := make([]*loadbalancing.Host, 0, len(current))
	for _, h := range current {
		removed = append(removed, h)
	}
	p.disconnectHosts(removed)

	p.logger.Info("replaced replica hosts",
		zap.Int("hosts", len(next)), zap.Int("added", added), zap.Int("removed", len(removed)))

	return errs.ErrorOrNil()
}

func (p *LoadBalancer) disconnectHosts(hosts []*loadbalancing.Host) {
	if len(hosts) == 0 {
		return
	}

	p.disconnects.Add(1)
	go func() {
		defer p.disconnects.Done()

		for _, h := range hosts {
			if err := h.Disconnect(p.opts.DisconnectTimeout); err != nil {
				p.logger.Warn("disconnect of removed host failed",
					zap.Stringer("host", h.Address()), zap.Error(err))
			}
		}
	}()
}

// WaitDisconnects waits for background disconnects of removed hosts.
func (p *LoadBalancer) WaitDisconnects() {
	p.disconnects.Wait()
}

// Close disconnects all hosts immediately.
func (p *LoadBalancer) Close() error {
	p.replaceMutex.Lock()
	if !p.state.cas(connectedState, closedState) {
		p.replaceMutex.Unlock()
		p.disconnects.Wait()
		return nil
	}
	hosts := p.hosts.Swap(nil)
	p.replaceMutex.Unlock()

	p.disconnects.Wait()

	var errs *multierror.Error
	for _, h := range hosts {
		if err := h.Disconnect(0); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := p.primary.Disconnect(0); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
