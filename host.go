package loadbalancing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	replicaLocationQuery = `SELECT pg_last_wal_replay_lsn()::text AS location`
	primaryLocationQuery = `SELECT pg_current_wal_insert_lsn()::text AS location`
	caughtUpQuery        = `SELECT pg_wal_lsn_diff(pg_last_wal_replay_lsn(), $1::pg_lsn) AS diff`
	replicationLagQuery  = `SELECT EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))::float AS lag`
)

const (
	DefaultOnlineCheckInterval = 60 * time.Second
	DefaultDisconnectTimeout   = 120 * time.Second

	disconnectPollInterval = 100 * time.Millisecond
)

// Role is a role of a host in a replica set.
type Role uint32

const (
	UnknownRole Role = iota
	PrimaryRole
	ReplicaRole
)

// String converts a Role to a string.
func (r Role) String() string {
	switch r {
	case PrimaryRole:
		return "primary"
	case ReplicaRole:
		return "replica"
	default:
		return "unknown"
	}
}

// ConnConfig holds PostgreSQL connection settings shared by all hosts of a
// load balancer. Host and port come from the host Address.
type ConnConfig struct {
	User            string
	Password        string
	Database        string
	SSLMode         string
	ConnectTimeout  time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds a lib/pq connection string for addr.
func (c ConnConfig) DSN(addr Address) string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	parts := []string{"host=" + quoteDSN(addr.Host)}
	if addr.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", addr.Port))
	}
	if c.User != "" {
		parts = append(parts, "user="+quoteDSN(c.User))
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteDSN(c.Password))
	}
	if c.Database != "" {
		parts = append(parts, "dbname="+quoteDSN(c.Database))
	}
	parts = append(parts, "sslmode="+sslMode)
	if c.ConnectTimeout > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", int(c.ConnectTimeout.Seconds())))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// HostOpts provides additional options of a Host.
type HostOpts struct {
	// OnlineCheckInterval is how long the result of an online check is
	// reused before the host is checked again.
	OnlineCheckInterval time.Duration
	// MaxReplicationLag marks a replica offline when its replay lag is
	// above the value. Zero disables the check.
	MaxReplicationLag time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

func (o *HostOpts) applyDefaults() {
	if o.OnlineCheckInterval <= 0 {
		o.OnlineCheckInterval = DefaultOnlineCheckInterval
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Host wraps the connection pool of one physical database.
type Host struct {
	addr Address
	role Role
	db   *sql.DB
	opts HostOpts

	state  state
	closed chan struct{}

	onlineMutex     sync.Mutex
	online          bool
	lastOnlineCheck time.Time
}

// NewHost wraps an already opened db.
func NewHost(addr Address, role Role, db *sql.DB, opts HostOpts) *Host {
	opts.applyDefaults()
	return &Host{
		addr:   addr,
		role:   role,
		db:     db,
		opts:   opts,
		state:  connectedState,
		closed: make(chan struct{}),
	}
}

// OpenHost opens a connection pool to addr. The pool connects lazily, so
// an unreachable host is not an error here.
func OpenHost(addr Address, role Role, conn ConnConfig, opts HostOpts) (*Host, error) {
	db, err := sql.Open("postgres", conn.DSN(addr))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", addr, err)
	}

	if conn.MaxOpenConns > 0 {
		db.SetMaxOpenConns(conn.MaxOpenConns)
	}
	if conn.MaxIdleConns > 0 {
		db.SetMaxIdleConns(conn.MaxIdleConns)
	}
	if conn.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(conn.ConnMaxLifetime)
	}

	return NewHost(addr, role, db, opts), nil
}

// Address returns the address of the host.
func (h *Host) Address() Address {
	return h.addr
}

// Role returns the role the host was created with.
func (h *Host) Role() Role {
	return h.role
}

// DB returns the underlying connection pool.
func (h *Host) DB() *sql.DB {
	return h.db
}

// String implements Stringer.
func (h *Host) String() string {
	return h.role.String() + "(" + h.addr.String() + ")"
}

// Disconnected reports whether Disconnect was called.
func (h *Host) Disconnected() bool {
	return h.state.get() != connectedState
}

// ReplicaWALPosition returns the last WAL location replayed by the host.
func (h *Host) ReplicaWALPosition(ctx context.Context) (WALLocation, error) {
	return h.queryLocation(ctx, "replica wal position", replicaLocationQuery)
}

// PrimaryWritePosition returns the current WAL insert location. It is only
// meaningful on the primary.
func (h *Host) PrimaryWritePosition(ctx context.Context) (WALLocation, error) {
	if h.role == ReplicaRole {
		return "", &HostError{Addr: h.addr, Op: "primary write position", Err: ErrNotPrimary}
	}
	return h.queryLocation(ctx, "primary write position", primaryLocationQuery)
}

func (h *Host) queryLocation(ctx context.Context, op, query string) (WALLocation, error) {
	if h.Disconnected() {
		return "", &HostError{Addr: h.addr, Op: op, Err: ErrHostDisconnected}
	}

	var location sql.NullString
	if err := h.db.QueryRowContext(ctx, query).Scan(&location); err != nil {
		return "", &HostError{Addr: h.addr, Op: op, Err: err}
	}
	if !location.Valid {
		return "", &HostError{Addr: h.addr, Op: op, Err: ErrNoWALPosition}
	}

	loc, err := ParseWALLocation(location.String)
	if err != nil {
		return "", &HostError{Addr: h.addr, Op: op, Err: err}
	}
	return loc, nil
}

// CaughtUp reports whether the host has replayed the WAL at least up to
// location.
func (h *Host) CaughtUp(ctx context.Context, location WALLocation) (bool, error) {
	if h.Disconnected() {
		return false, &HostError{Addr: h.addr, Op: "caught up", Err: ErrHostDisconnected}
	}

	var diff decimal.NullDecimal
	err := h.db.QueryRowContext(ctx, caughtUpQuery, string(location)).Scan(&diff)
	if err != nil {
		return false, &HostError{Addr: h.addr, Op: "caught up", Err: err}
	}
	if !diff.Valid {
		// pg_last_wal_replay_lsn() is NULL outside of recovery.
		return h.role == PrimaryRole, nil
	}
	return diff.Decimal.Sign() >= 0, nil
}

// ReplicationLag returns how far behind the primary the replica replays
// transactions. It is zero on a primary.
func (h *Host) ReplicationLag(ctx context.Context) (time.Duration, error) {
	if h.Disconnected() {
		return 0, &HostError{Addr: h.addr, Op: "replication lag", Err: ErrHostDisconnected}
	}

	var lag sql.NullFloat64
	if err := h.db.QueryRowContext(ctx, replicationLagQuery).Scan(&lag); err != nil {
		return 0, &HostError{Addr: h.addr, Op: "replication lag", Err: err}
	}
	if !lag.Valid || lag.Float64 < 0 {
		return 0, nil
	}
	return time.Duration(lag.Float64 * float64(time.Second)), nil
}

// Online reports whether the host can serve reads. The result of a check is
// reused for OnlineCheckInterval.
func (h *Host) Online(ctx context.Context) bool {
	if h.Disconnected() {
		return false
	}

	h.onlineMutex.Lock()
	defer h.onlineMutex.Unlock()

	now := h.opts.Clock.Now()
	if !h.lastOnlineCheck.IsZero() && now.Sub(h.lastOnlineCheck) < h.opts.OnlineCheckInterval {
		return h.online
	}

	h.online = h.checkOnline(ctx)
	h.lastOnlineCheck = now
	return h.online
}

func (h *Host) checkOnline(ctx context.Context) bool {
	if err := h.db.PingContext(ctx); err != nil {
		h.opts.Logger.Warn("host is offline",
			zap.Stringer("host", h.addr), zap.Error(err))
		return false
	}

	if h.role != ReplicaRole || h.opts.MaxReplicationLag <= 0 {
		return true
	}

	lag, err := h.ReplicationLag(ctx)
	if err != nil {
		h.opts.Logger.Warn("replication lag check failed",
			zap.Stringer("host", h.addr), zap.Error(err))
		return false
	}
	if lag > h.opts.MaxReplicationLag {
		h.opts.Logger.Info("replica is lagging behind",
			zap.Stringer("host", h.addr), zap.Duration("lag", lag))
		return false
	}
	return true
}

// MarkOffline keeps the host offline until the next online check is due.
func (h *Host) MarkOffline() {
	h.onlineMutex.Lock()
	defer h.onlineMutex.Unlock()

	h.online = false
	h.lastOnlineCheck = h.opts.Clock.Now()
}

// Disconnect waits up to timeout for in-use connections to be returned to
// the pool and closes the pool. It is safe to call it more than once.
func (h *Host) Disconnect(timeout time.Duration) error {
	if !h.state.cas(connectedState, disconnectingState) {
		<-h.closed
		return nil
	}
	defer close(h.closed)

	deadline := h.opts.Clock.Now().Add(timeout)
	for h.db.Stats().InUse > 0 && h.opts.Clock.Now().Before(deadline) {
		<-h.opts.Clock.After(disconnectPollInterval)
	}

	err := h.db.Close()
	h.state.set(disconnectedState)
	if err != nil {
		h.opts.Logger.Warn("disconnect failed", zap.Stringer("host", h.addr), zap.Error(err))
		return &HostError{Addr: h.addr, Op: "disconnect", Err: err}
	}

	h.opts.Logger.Debug("host disconnected", zap.Stringer("host", h.addr))
	return nil
}
