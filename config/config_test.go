package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/config"
	"github.com/ice-blockchain/go-loadbalancing/discovery"
	"github.com/ice-blockchain/go-loadbalancing/pool"
	"github.com/ice-blockchain/go-loadbalancing/test_helpers"
)

const sample = `
load_balancing:
  main:
    primary: db-primary.internal:5432
    hosts: [db-replica-2.internal:5432, db-replica-1.internal]
    connection:
      user: app
      password: secret
      database: app_production
      sslmode: disable
      max_open_conns: 10
    replica_check_interval: 30s
    max_replication_lag: 2m
  ci:
    primary: ci-primary.internal
    discover:
      nameserver: 127.0.0.1
      port: 8600
      record: replica.patroni.service.consul
      record_type: SRV
      interval: 90s
      disconnect_timeout: 30s
      max_replica_pools: 2
  minimum_delay_interval: 2s
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)

	require.Equal(t, []string{"ci", "main"}, cfg.Names())
	require.Equal(t, 2*time.Second, cfg.LoadBalancing.MinimumDelayInterval)
	require.Equal(t, 2*time.Second, cfg.ServerOpts().MinimumDelayInterval)

	main := cfg.LoadBalancing.Databases["main"]
	require.Equal(t, "db-primary.internal:5432", main.Primary)
	require.Equal(t, []string{"db-replica-2.internal:5432", "db-replica-1.internal"}, main.Hosts)
	require.Equal(t, "app", main.Connection.User)
	require.Equal(t, 10, main.Connection.MaxOpenConns)
	require.Equal(t, 30*time.Second, main.ReplicaCheckInterval)
	require.Equal(t, 2*time.Minute, main.MaxReplicationLag)
	require.Nil(t, main.Discover)

	ci := cfg.LoadBalancing.Databases["ci"]
	require.NotNil(t, ci.Discover)
	require.Equal(t, "replica.patroni.service.consul", ci.Discover.Record)
	require.Equal(t, 90*time.Second, ci.Discover.Interval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  error
	}{
		{
			name: "empty",
			yaml: `load_balancing: {}`,
			err:  config.ErrNoDatabases,
		},
		{
			name: "no primary",
			yaml: `
load_balancing:
  main:
    hosts: [db-replica-1.internal]
`,
			err: config.ErrNoPrimary,
		},
		{
			name: "bad replica port",
			yaml: `
load_balancing:
  main:
    primary: db-primary.internal
    hosts: [db-replica-1.internal:port]
`,
			err: loadbalancing.ErrInvalidAddress,
		},
		{
			name: "empty record",
			yaml: `
load_balancing:
  main:
    primary: db-primary.internal
    discover:
      nameserver: 127.0.0.1
`,
			err: discovery.ErrEmptyRecord,
		},
		{
			name: "unsupported record type",
			yaml: `
load_balancing:
  main:
    primary: db-primary.internal
    discover:
      record: replica.patroni.service.consul
      record_type: AAAA
`,
			err: discovery.ErrUnsupportedRecordType,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			require.Error(t, err)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)

	main, err := cfg.LoadBalancing.Databases["main"].PoolConfig("main")
	require.NoError(t, err)
	require.Equal(t, "main", main.Name)
	require.Equal(t, loadbalancing.Address{Host: "db-primary.internal", Port: 5432}, main.Primary)
	require.Equal(t, []loadbalancing.Address{
		{Host: "db-replica-2.internal", Port: 5432},
		{Host: "db-replica-1.internal"},
	}, main.Replicas)
	require.Equal(t, "app_production", main.Conn.Database)
	require.Equal(t, 30*time.Second, main.HostOpts.OnlineCheckInterval)
	require.False(t, main.Opts.ServiceDiscovery)

	ci, err := cfg.LoadBalancing.Databases["ci"].PoolConfig("ci")
	require.NoError(t, err)
	require.Emptyf(t, ci.Replicas, "discovered replicas are not static")
	require.True(t, ci.Opts.ServiceDiscovery)
	require.Equal(t, 30*time.Second, ci.Opts.DisconnectTimeout)
}

func TestDiscoverOpts(t *testing.T) {
	cfg, err := config.Parse([]byte(sample))
	require.NoError(t, err)

	d := cfg.LoadBalancing.Databases["ci"].Discover
	opts, err := d.DiscoveryOpts()
	require.NoError(t, err)
	require.Equal(t, discovery.RecordSRV, opts.RecordType)
	require.Equal(t, 90*time.Second, opts.Interval)
	require.Equal(t, 2, opts.MaxReplicaPools)

	resolverOpts := d.ResolverOpts()
	require.Equal(t, "127.0.0.1", resolverOpts.Nameserver)
	require.Equal(t, 8600, resolverOpts.Port)

	opts, err = (&config.Discover{Record: "replica.internal"}).DiscoveryOpts()
	require.NoError(t, err)
	require.Equalf(t, discovery.RecordA, opts.RecordType, "A is the default record type")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.LoadBalancing.Databases, 2)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenStaticHosts(t *testing.T) {
	cfg, err := config.Parse([]byte(`
load_balancing:
  main:
    primary: 127.0.0.1:5432
    hosts: [127.0.0.2:5432, 127.0.0.3:5432]
    connection:
      user: app
      database: app_test
      sslmode: disable
`))
	require.NoError(t, err)

	rt, err := cfg.Open(config.OpenOpts{})
	require.NoError(t, err)
	require.Empty(t, rt.Discoveries)

	b, ok := rt.Registry.Get("main")
	require.True(t, ok)
	lb, ok := b.(*pool.LoadBalancer)
	require.True(t, ok)
	require.Equal(t, []loadbalancing.Address{
		{Host: "127.0.0.2", Port: 5432},
		{Host: "127.0.0.3", Port: 5432},
	}, lb.HostAddresses())
	require.False(t, lb.PrimaryOnly())

	require.NoError(t, rt.Close())
}

func TestOpenWithDiscovery(t *testing.T) {
	dns := test_helpers.StartDNSServer(t)
	dns.AddA("replica.patroni.service.consul", 30, "10.0.0.2", "10.0.0.1")

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
load_balancing:
  main:
    primary: 10.0.0.10
    hosts: [10.0.0.99]
    connection:
      sslmode: disable
    discover:
      nameserver: %s
      port: %d
      record: replica.patroni.service.consul
`, dns.Host(), dns.Port())))
	require.NoError(t, err)

	rt, err := cfg.Open(config.OpenOpts{})
	require.NoError(t, err)
	require.Len(t, rt.Discoveries, 1)

	b, ok := rt.Registry.Get("main")
	require.True(t, ok)
	lb := b.(*pool.LoadBalancer)

	expected := []loadbalancing.Address{{Host: "10.0.0.1"}, {Host: "10.0.0.2"}}
	err = test_helpers.Retry(func() error {
		if addrs := lb.HostAddresses(); !loadbalancing.EqualAddresses(addrs, expected) {
			return fmt.Errorf("unexpected replicas %v", addrs)
		}
		return nil
	}, 50, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	require.ErrorIsf(t, rt.Discoveries[0].Stop(), discovery.ErrNotStarted, "discovery is stopped by Close")
}
