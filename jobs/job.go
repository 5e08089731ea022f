// Package jobs routes the database reads of background jobs between the
// primary and its replicas.
//
// The client middleware runs when a job is enqueued and stamps the job with
// the WAL locations the job has to observe. The server middleware runs when
// the job is executed and picks a load balancing strategy from the worker's
// data consistency and the replication state:
//
//   - always: every query goes to the primary.
//   - sticky: replicas are used only if they are caught up right away.
//   - delayed: the job waits a bit for the replicas and is retried later if
//     they are still behind.
package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ice-blockchain/go-loadbalancing"
)

// WALLocationSource tells which kind of host a stamped location was read
// from.
type WALLocationSource string

const (
	SourcePrimary WALLocationSource = "primary"
	SourceReplica WALLocationSource = "replica"
)

// Job is the metadata of one enqueued job.
type Job struct {
	JID                   string                               `json:"jid" msgpack:"jid"`
	Class                 string                               `json:"class" msgpack:"class"`
	Args                  []interface{}                        `json:"args" msgpack:"args"`
	CreatedAt             time.Time                            `json:"created_at" msgpack:"created_at"`
	EnqueuedAt            time.Time                            `json:"enqueued_at" msgpack:"enqueued_at"`
	RetryCount            *int                                 `json:"retry_count,omitempty" msgpack:"retry_count,omitempty"`
	WALLocations          map[string]loadbalancing.WALLocation `json:"wal_locations,omitempty" msgpack:"wal_locations,omitempty"`
	WALLocationSource     WALLocationSource                    `json:"wal_location_source,omitempty" msgpack:"wal_location_source,omitempty"`
	WorkerDataConsistency DataConsistency                      `json:"worker_data_consistency,omitempty" msgpack:"worker_data_consistency,omitempty"`
	LoadBalancingStrategy Strategy                             `json:"load_balancing_strategy,omitempty" msgpack:"load_balancing_strategy,omitempty"`
}

// NewJob returns a job of class with a fresh JID.
func NewJob(class string, args ...interface{}) *Job {
	return &Job{
		JID:   uuid.NewString(),
		Class: class,
		Args:  args,
	}
}

// Retried reports whether the job was executed before.
func (j *Job) Retried() bool {
	return j.RetryCount != nil
}

// IncrementRetryCount marks one more execution attempt. The first retry sets
// the count to 0.
func (j *Job) IncrementRetryCount() {
	if j.RetryCount == nil {
		j.RetryCount = new(int)
		return
	}
	*j.RetryCount++
}

// Marshal encodes the job for the queue.
func (j *Job) Marshal() ([]byte, error) {
	return msgpack.Marshal(j)
}

// UnmarshalJob decodes a job encoded by Marshal.
func UnmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := msgpack.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
