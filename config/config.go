// Package config loads the load balancing configuration from YAML.
//
// Example:
//
//	load_balancing:
//	  main:
//	    primary: db-primary.internal:5432
//	    hosts: [db-replica-1.internal:5432, db-replica-2.internal:5432]
//	    connection:
//	      user: app
//	      database: app_production
//	    replica_check_interval: 60s
//	    discover:
//	      nameserver: 127.0.0.1
//	      port: 8600
//	      record: replica.patroni.service.consul
//	      record_type: SRV
//	  minimum_delay_interval: 800ms
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/discovery"
	"github.com/ice-blockchain/go-loadbalancing/jobs"
	"github.com/ice-blockchain/go-loadbalancing/pool"
)

var (
	ErrNoDatabases = errors.New("no load balanced databases configured")
	ErrNoPrimary   = errors.New("primary should be configured")
)

// Config is the root of the configuration file.
type Config struct {
	LoadBalancing LoadBalancing `yaml:"load_balancing"`
}

// LoadBalancing holds one Database per load balancer name.
type LoadBalancing struct {
	Databases            map[string]Database `yaml:",inline"`
	MinimumDelayInterval time.Duration       `yaml:"minimum_delay_interval"`
}

// Database configures one load balancer.
type Database struct {
	Primary              string        `yaml:"primary"`
	Hosts                []string      `yaml:"hosts"`
	Connection           Connection    `yaml:"connection"`
	ReplicaCheckInterval time.Duration `yaml:"replica_check_interval"`
	MaxReplicationLag    time.Duration `yaml:"max_replication_lag"`
	Discover             *Discover     `yaml:"discover"`
}

// Connection holds PostgreSQL connection settings.
type Connection struct {
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Discover configures DNS service discovery of the replicas.
type Discover struct {
	Nameserver        string        `yaml:"nameserver"`
	Port              int           `yaml:"port"`
	Record            string        `yaml:"record"`
	RecordType        string        `yaml:"record_type"`
	Interval          time.Duration `yaml:"interval"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	UseTCP            bool          `yaml:"use_tcp"`
	MaxReplicaPools   int           `yaml:"max_replica_pools"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. Every error is a configuration error
// that should stop the process from starting.
func (c *Config) Validate() error {
	if len(c.LoadBalancing.Databases) == 0 {
		return ErrNoDatabases
	}
	for _, name := range c.Names() {
		if err := c.LoadBalancing.Databases[name].validate(); err != nil {
			return fmt.Errorf("load balancer %s: %w", name, err)
		}
	}
	return nil
}

// Names returns the sorted load balancer names.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.LoadBalancing.Databases))
	for name := range c.LoadBalancing.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerOpts returns the options of the job server middleware.
func (c *Config) ServerOpts() jobs.ServerOpts {
	return jobs.ServerOpts{MinimumDelayInterval: c.LoadBalancing.MinimumDelayInterval}
}

func (d Database) validate() error {
	if d.Primary == "" {
		return ErrNoPrimary
	}
	if _, err := loadbalancing.ParseAddress(d.Primary); err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	if _, err := d.replicas(); err != nil {
		return err
	}
	if d.Discover != nil {
		if d.Discover.Record == "" {
			return discovery.ErrEmptyRecord
		}
		if _, err := d.Discover.recordType(); err != nil {
			return err
		}
	}
	return nil
}

func (d Database) replicas() ([]loadbalancing.Address, error) {
	addrs := make([]loadbalancing.Address, 0, len(d.Hosts))
	for _, h := range d.Hosts {
		addr, err := loadbalancing.ParseAddress(h)
		if err != nil {
			return nil, fmt.Errorf("hosts: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// ConnConfig returns the connection settings of every host.
func (d Database) ConnConfig() loadbalancing.ConnConfig {
	return loadbalancing.ConnConfig{
		User:            d.Connection.User,
		Password:        d.Connection.Password,
		Database:        d.Connection.Database,
		SSLMode:         d.Connection.SSLMode,
		ConnectTimeout:  d.Connection.ConnectTimeout,
		MaxOpenConns:    d.Connection.MaxOpenConns,
		MaxIdleConns:    d.Connection.MaxIdleConns,
		ConnMaxLifetime: d.Connection.ConnMaxLifetime,
	}
}

// PoolConfig returns the configuration of the load balancer named name.
// With discovery enabled, static hosts are ignored.
func (d Database) PoolConfig(name string) (pool.Config, error) {
	primary, err := loadbalancing.ParseAddress(d.Primary)
	if err != nil {
		return pool.Config{}, fmt.Errorf("primary: %w", err)
	}

	cfg := pool.Config{
		Name:    name,
		Primary: primary,
		Conn:    d.ConnConfig(),
		HostOpts: loadbalancing.HostOpts{
			OnlineCheckInterval: d.ReplicaCheckInterval,
			MaxReplicationLag:   d.MaxReplicationLag,
		},
	}

	if d.Discover != nil {
		cfg.Opts.ServiceDiscovery = true
		cfg.Opts.DisconnectTimeout = d.Discover.DisconnectTimeout
		return cfg, nil
	}

	if cfg.Replicas, err = d.replicas(); err != nil {
		return pool.Config{}, err
	}
	return cfg, nil
}

// ResolverOpts returns the options of the discovery resolver.
func (d *Discover) ResolverOpts() discovery.ResolverOpts {
	return discovery.ResolverOpts{
		Nameserver: d.Nameserver,
		Port:       d.Port,
		UseTCP:     d.UseTCP,
		Timeout:    d.Timeout,
	}
}

// DiscoveryOpts returns the options of the discovery loop.
func (d *Discover) DiscoveryOpts() (discovery.Opts, error) {
	recordType, err := d.recordType()
	if err != nil {
		return discovery.Opts{}, err
	}
	return discovery.Opts{
		Record:          d.Record,
		RecordType:      recordType,
		Interval:        d.Interval,
		MaxReplicaPools: d.MaxReplicaPools,
	}, nil
}

func (d *Discover) recordType() (discovery.RecordType, error) {
	if d.RecordType == "" {
		return discovery.RecordA, nil
	}
	return discovery.ParseRecordType(d.RecordType)
}
