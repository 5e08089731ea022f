package loadbalancing

import (
	"context"
	"sync"
)

type sessionKey struct{}

// Session is the load balancing state of one unit of work, e.g. one job
// execution. A nil *Session is valid and behaves as an empty session that
// never sticks to the primary.
type Session struct {
	mutex          sync.Mutex
	usePrimary     bool
	performedWrite bool
	hosts          map[string]*Host
}

// NewSession attaches a new Session to ctx.
func NewSession(ctx context.Context) (context.Context, *Session) {
	s := &Session{hosts: make(map[string]*Host)}
	return context.WithValue(ctx, sessionKey{}, s), s
}

// SessionFromContext returns the Session of ctx or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// WithSession runs fn with a fresh Session and clears the session when fn
// returns or panics.
func WithSession(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, s := NewSession(ctx)
	defer s.Clear()

	return fn(ctx)
}

// UsePrimary makes the rest of the unit of work use the primary.
func (s *Session) UsePrimary() {
	if s == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.usePrimary = true
}

// UsingPrimary reports whether the unit of work sticks to the primary.
func (s *Session) UsingPrimary() bool {
	if s == nil {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.usePrimary || s.performedWrite
}

// Write records a write. Reads after a write go to the primary.
func (s *Session) Write() {
	if s == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.performedWrite = true
	s.usePrimary = true
}

// PerformedWrite reports whether Write was called.
func (s *Session) PerformedWrite() bool {
	if s == nil {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.performedWrite
}

// SelectHost remembers host as the up-to-date host of the load balancer
// named name.
func (s *Session) SelectHost(name string, host *Host) {
	if s == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.hosts == nil {
		s.hosts = make(map[string]*Host)
	}
	s.hosts[name] = host
}

// SelectedHost returns the host remembered by SelectHost.
func (s *Session) SelectedHost(name string) *Host {
	if s == nil {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.hosts[name]
}

// Clear resets the session.
func (s *Session) Clear() {
	if s == nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.usePrimary = false
	s.performedWrite = false
	s.hosts = make(map[string]*Host)
}
