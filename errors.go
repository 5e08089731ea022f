package loadbalancing

import "errors"

var (
	ErrHostDisconnected   = errors.New("host is disconnected")
	ErrInvalidWALLocation = errors.New("invalid WAL location")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrNoWALPosition      = errors.New("host reported no WAL position")
	ErrNotPrimary         = errors.New("write position is only available on the primary")
)

// HostError is an error of a query against a certain host.
type HostError struct {
	Addr Address
	Op   string
	Err  error
}

// Error converts a HostError to a string.
func (e *HostError) Error() string {
	return e.Op + " on " + e.Addr.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *HostError) Unwrap() error {
	return e.Err
}
