package pool

import "time"

/*
Default mode for each method table:

	  Method         Default mode
	-------------- --------------
	| Query       | by statement |
	| QueryRow    | by statement |
	| Exec        | RW           |
	| Host        | ANY          |
*/
type Mode uint32

const (
	ANY      Mode = iota // Use a replica unless the session sticks to the primary.
	RW                   // Use the primary.
	RO                   // Use a replica only.
	PreferRO             // Use a replica if there is an online one, otherwise the primary.
)

// String converts a Mode to a string.
func (m Mode) String() string {
	switch m {
	case ANY:
		return "any"
	case RW:
		return "rw"
	case RO:
		return "ro"
	case PreferRO:
		return "prefer_ro"
	default:
		return "unknown"
	}
}

const (
	DefaultDisconnectTimeout = 120 * time.Second
)
