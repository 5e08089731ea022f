package jobs

import (
	"fmt"
)

// ReplicaNotUpToDateError is returned by the server middleware when a
// delayed job found every replica behind. The job should be retried later.
type ReplicaNotUpToDateError struct {
	Worker string
	JID    string
}

func (e *ReplicaNotUpToDateError) Error() string {
	return fmt.Sprintf("%s JID-%s: replica(s) not up-to-date", e.Worker, e.JID)
}

// Retryable reports that the job may be retried.
func (e *ReplicaNotUpToDateError) Retryable() bool {
	return true
}

// RetryableError is implemented by errors after which a job is rescheduled
// instead of failing.
type RetryableError interface {
	error
	Retryable() bool
}
