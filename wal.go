package loadbalancing

import (
	"fmt"
	"strconv"
	"strings"
)

// WALLocation is a write-ahead log position of a primary in the PostgreSQL
// pg_lsn text form, e.g. "16/B374D848". Locations of one primary grow
// monotonically.
type WALLocation string

// ParseWALLocation validates s and returns it as a WALLocation.
func ParseWALLocation(s string) (WALLocation, error) {
	loc := WALLocation(strings.TrimSpace(s))
	if _, err := loc.LSN(); err != nil {
		return "", err
	}
	return loc, nil
}

// IsZero reports whether the location is not set.
func (l WALLocation) IsZero() bool {
	return l == ""
}

// LSN converts the location to its 64-bit numeric value.
func (l WALLocation) LSN() (uint64, error) {
	hi, lo, ok := strings.Cut(string(l), "/")
	if !ok || hi == "" || lo == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWALLocation, string(l))
	}

	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWALLocation, string(l))
	}
	w, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWALLocation, string(l))
	}

	return h<<32 | w, nil
}

// Compare returns -1, 0 or 1 when l is before, equal to or after o.
func (l WALLocation) Compare(o WALLocation) (int, error) {
	a, err := l.LSN()
	if err != nil {
		return 0, err
	}
	b, err := o.LSN()
	if err != nil {
		return 0, err
	}

	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	default:
		return 0, nil
	}
}

// WALLocationFromLSN formats a numeric LSN.
func WALLocationFromLSN(lsn uint64) WALLocation {
	return WALLocation(fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF))
}
