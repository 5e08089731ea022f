package jobs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownDataConsistency = errors.New("unknown data consistency")
	ErrWorkerExists           = errors.New("worker already registered")
	ErrEmptyWorkerName        = errors.New("worker name should not be empty")
)

// DataConsistency is the consistency a worker requires from the data it
// reads.
type DataConsistency string

const (
	// Always reads from the primary.
	Always DataConsistency = "always"
	// Sticky reads from a replica only if it has caught up with the location
	// stamped on the job, otherwise from the primary.
	Sticky DataConsistency = "sticky"
	// Delayed waits for the replicas and reschedules the job while they are
	// behind.
	Delayed DataConsistency = "delayed"
)

// ParseDataConsistency parses "always", "sticky" or "delayed".
func ParseDataConsistency(s string) (DataConsistency, error) {
	switch dc := DataConsistency(strings.ToLower(strings.TrimSpace(s))); dc {
	case Always, Sticky, Delayed:
		return dc, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDataConsistency, s)
	}
}

// String converts a DataConsistency to a string.
func (dc DataConsistency) String() string {
	return string(dc)
}

// LoadBalanced reports whether a worker with this level may read from
// replicas.
func (dc DataConsistency) LoadBalanced() bool {
	return dc == Sticky || dc == Delayed
}

// FeatureFlags tells whether a named feature flag is enabled.
type FeatureFlags interface {
	Enabled(name string) bool
}

// FeatureFlagsFunc is an adapter to use ordinary functions as FeatureFlags.
type FeatureFlagsFunc func(name string) bool

func (f FeatureFlagsFunc) Enabled(name string) bool {
	return f(name)
}

// WorkerAttributes are the load balancing attributes declared by a worker.
type WorkerAttributes struct {
	DataConsistency DataConsistency
	// FeatureFlag, if set, gates DataConsistency: while the flag is disabled
	// the worker behaves as Always.
	FeatureFlag string
}

// Registry holds the attributes of every worker of the process. It is built
// once at startup and then read concurrently.
type Registry struct {
	mutex   sync.RWMutex
	workers map[string]WorkerAttributes
	flags   FeatureFlags
}

// NewRegistry returns an empty registry. A nil flags treats every flag as
// enabled.
func NewRegistry(flags FeatureFlags) *Registry {
	return &Registry{
		workers: make(map[string]WorkerAttributes),
		flags:   flags,
	}
}

// Register adds a worker.
func (r *Registry) Register(name string, attrs WorkerAttributes) error {
	if name == "" {
		return ErrEmptyWorkerName
	}
	if attrs.DataConsistency == "" {
		attrs.DataConsistency = Always
	}
	if _, err := ParseDataConsistency(string(attrs.DataConsistency)); err != nil {
		return fmt.Errorf("worker %s: %w", name, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.workers[name]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerExists, name)
	}
	r.workers[name] = attrs
	return nil
}

// Attributes returns the declared attributes of a worker.
func (r *Registry) Attributes(name string) (WorkerAttributes, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	attrs, ok := r.workers[name]
	return attrs, ok
}

// DataConsistency returns the effective level of a worker. Unknown workers
// and workers whose feature flag is disabled get Always.
func (r *Registry) DataConsistency(name string) DataConsistency {
	attrs, ok := r.Attributes(name)
	if !ok {
		return Always
	}
	if attrs.FeatureFlag != "" && r.flags != nil && !r.flags.Enabled(attrs.FeatureFlag) {
		return Always
	}
	return attrs.DataConsistency
}

// LoadBalanced reports whether the effective level of a worker allows
// replica reads.
func (r *Registry) LoadBalanced(name string) bool {
	return r.DataConsistency(name).LoadBalanced()
}
