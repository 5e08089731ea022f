package test_helpers

import (
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ice-blockchain/go-loadbalancing"
)

var (
	replicaLocationQuery = regexp.QuoteMeta("pg_last_wal_replay_lsn()::text")
	primaryLocationQuery = regexp.QuoteMeta("pg_current_wal_insert_lsn()::text")
	caughtUpQuery        = regexp.QuoteMeta("pg_wal_lsn_diff(")
	replicationLagQuery  = regexp.QuoteMeta("pg_last_xact_replay_timestamp()")
)

// NewMockHost returns a host backed by sqlmock. Pings always succeed.
func NewMockHost(t testing.TB, addr loadbalancing.Address, role loadbalancing.Role,
	opts loadbalancing.HostOpts) (*loadbalancing.Host, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %s", err)
	}
	return loadbalancing.NewHost(addr, role, db, opts), mock
}

// ExpectReplicaLocation expects a replayed WAL location query.
func ExpectReplicaLocation(mock sqlmock.Sqlmock, location interface{}) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(replicaLocationQuery).
		WillReturnRows(sqlmock.NewRows([]string{"location"}).AddRow(location))
}

// ExpectPrimaryLocation expects a WAL insert location query.
func ExpectPrimaryLocation(mock sqlmock.Sqlmock, location interface{}) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(primaryLocationQuery).
		WillReturnRows(sqlmock.NewRows([]string{"location"}).AddRow(location))
}

// ExpectCaughtUp expects a caught up check against location. diff is the
// replayed location minus location in bytes, or nil.
func ExpectCaughtUp(mock sqlmock.Sqlmock, location loadbalancing.WALLocation, diff interface{}) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(caughtUpQuery).
		WithArgs(string(location)).
		WillReturnRows(sqlmock.NewRows([]string{"diff"}).AddRow(diff))
}

// ExpectReplicationLag expects a replication lag query returning seconds.
func ExpectReplicationLag(mock sqlmock.Sqlmock, seconds interface{}) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery(replicationLagQuery).
		WillReturnRows(sqlmock.NewRows([]string{"lag"}).AddRow(seconds))
}
