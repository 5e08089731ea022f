// Package with primitives of the database read-replica load balancer:
// endpoint addresses, WAL locations, hosts and per unit-of-work sessions.
//
// Main features:
//
// - Host wraps a PostgreSQL connection pool and answers WAL position queries.
//
// - Session records whether the current unit of work has to stick to the primary.
//
// See the pool, discovery and jobs packages for the load balancer itself.
package loadbalancing

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Address identifies a database endpoint. A zero Port means the port is not
// set and the driver default is used.
type Address struct {
	Host string
	Port int
}

// NewAddress returns an address for host and port.
func NewAddress(host string, port int) Address {
	return Address{Host: host, Port: port}
}

// ParseAddress parses "host" or "host:port".
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port.
		return Address{Host: s}, nil
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Address{}, fmt.Errorf("%w: invalid port in %q", ErrInvalidAddress, s)
	}
	return Address{Host: host, Port: p}, nil
}

// String converts an Address to "host" or "host:port".
func (a Address) String() string {
	if a.Port == 0 {
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Less reports whether a sorts before b. Addresses are ordered by host and
// then by port.
func (a Address) Less(b Address) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

// SortAddresses returns a sorted copy of addrs without duplicates. addrs is
// not modified.
func SortAddresses(addrs []Address) []Address {
	if addrs == nil {
		return nil
	}

	sorted := make([]Address, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Less(sorted[j])
	})

	uniq := sorted[:0]
	for i, addr := range sorted {
		if i > 0 && addr == sorted[i-1] {
			continue
		}
		uniq = append(uniq, addr)
	}
	return uniq
}

// EqualAddresses reports whether a and b contain the same addresses,
// regardless of order.
func EqualAddresses(a, b []Address) bool {
	if len(a) != len(b) {
		return false
	}

	count := make(map[Address]int, len(a))
	for _, addr := range a {
		count[addr]++
	}
	for _, addr := range b {
		if count[addr] == 0 {
			return false
		}
		count[addr]--
	}
	return true
}
