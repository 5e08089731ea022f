package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/ice-blockchain/go-loadbalancing"
)

const (
	DefaultNameserverPort  = 53
	DefaultResolverTimeout = 5 * time.Second

	resolvConfPath = "/etc/resolv.conf"
)

var (
	ErrEmptyDNSResponse      = errors.New("empty DNS response")
	ErrUnsupportedRecordType = errors.New("unsupported DNS record type")
	ErrDNSQuery              = errors.New("DNS query failed")
)

// RecordType is a DNS record type used for discovery.
type RecordType uint16

const (
	RecordA   = RecordType(dns.TypeA)
	RecordSRV = RecordType(dns.TypeSRV)
)

// ParseRecordType parses "A" or "SRV".
func ParseRecordType(s string) (RecordType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return RecordA, nil
	case "SRV":
		return RecordSRV, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedRecordType, s)
	}
}

// String converts a RecordType to a string.
func (t RecordType) String() string {
	return dns.TypeToString[uint16(t)]
}

func (t RecordType) validate() error {
	if t != RecordA && t != RecordSRV {
		return fmt.Errorf("%w: %d", ErrUnsupportedRecordType, uint16(t))
	}
	return nil
}

// AddressResolver resolves a DNS name to database addresses.
type AddressResolver interface {
	Resolve(ctx context.Context, recordType RecordType, name string) (time.Duration, []loadbalancing.Address, error)
}

// SRVTarget is one answer of an SRV query.
type SRVTarget struct {
	Target   string
	Port     int
	Priority uint16
	Weight   uint16
	TTL      time.Duration
	// Addrs holds the addresses of Target found in the additional section.
	Addrs []net.IP
}

// ResolverOpts provides options of a Resolver.
type ResolverOpts struct {
	// Nameserver is the host of the DNS server. If empty, the first server
	// of /etc/resolv.conf is used.
	Nameserver string
	Port       int
	UseTCP     bool
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Resolver performs A and SRV lookups against one nameserver.
type Resolver struct {
	client *dns.Client
	server string
	logger *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOpts) (*Resolver, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultResolverTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	nameserver, port := opts.Nameserver, opts.Port
	if nameserver == "" {
		conf, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConfPath, err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers in %s", resolvConfPath)
		}
		nameserver = conf.Servers[0]
		if port == 0 {
			port, _ = strconv.Atoi(conf.Port)
		}
	}
	if port == 0 {
		port = DefaultNameserverPort
	}

	network := "udp"
	if opts.UseTCP {
		network = "tcp"
	}

	return &Resolver{
		client: &dns.Client{Net: network, Timeout: opts.Timeout},
		server: net.JoinHostPort(nameserver, strconv.Itoa(port)),
		logger: opts.Logger,
	}, nil
}

// Server returns the "host:port" of the nameserver.
func (r *Resolver) Server() string {
	return r.server
}

// Resolve resolves name and returns the smallest TTL of the answers and the
// sorted addresses. SRV answers are resolved in two phases: the SRV query
// itself and an A lookup for every target. A target that does not resolve
// is dropped.
func (r *Resolver) Resolve(ctx context.Context, recordType RecordType, name string) (time.Duration, []loadbalancing.Address, error) {
	switch recordType {
	case RecordA:
		ttl, ips, err := r.LookupA(ctx, name)
		if err != nil {
			return 0, nil, err
		}

		addrs := make([]loadbalancing.Address, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, loadbalancing.Address{Host: ip.String()})
		}
		return ttl, loadbalancing.SortAddresses(addrs), nil

	case RecordSRV:
		ttl, targets, err := r.LookupSRV(ctx, name)
		if err != nil {
			return 0, nil, err
		}

		addrs := make([]loadbalancing.Address, 0, len(targets))
		for _, target := range targets {
			ips := target.Addrs
			if len(ips) == 0 {
				_, ips, err = r.LookupA(ctx, target.Target)
				if err != nil {
					r.logger.Warn("dropping SRV target that does not resolve",
						zap.String("target", target.Target), zap.Error(err))
					continue
				}
			}
			for _, ip := range ips {
				addrs = append(addrs, loadbalancing.Address{Host: ip.String(), Port: target.Port})
			}
		}
		if len(addrs) == 0 {
			return 0, nil, fmt.Errorf("%w: no SRV target of %s resolved", ErrEmptyDNSResponse, name)
		}
		return ttl, loadbalancing.SortAddresses(addrs), nil
	}

	return 0, nil, recordType.validate()
}

// LookupA returns the IPv4 addresses of name and the smallest TTL.
func (r *Resolver) LookupA(ctx context.Context, name string) (time.Duration, []net.IP, error) {
	in, err := r.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return 0, nil, err
	}

	var (
		ttl uint32
		ips []net.IP
	)
	for _, rr := range in.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ips = append(ips, a.A)
		ttl = minTTL(ttl, a.Hdr.Ttl, len(ips) == 1)
	}
	if len(ips) == 0 {
		return 0, nil, fmt.Errorf("%w: no A records for %s", ErrEmptyDNSResponse, name)
	}

	return time.Duration(ttl) * time.Second, ips, nil
}

// LookupSRV returns the SRV answers of name and the smallest TTL. Addresses
// of targets found in the additional section are attached to the targets.
func (r *Resolver) LookupSRV(ctx context.Context, name string) (time.Duration, []SRVTarget, error) {
	in, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return 0, nil, err
	}

	glue := make(map[string][]net.IP)
	for _, rr := range in.Extra {
		if a, ok := rr.(*dns.A); ok {
			glue[strings.ToLower(a.Hdr.Name)] = append(glue[strings.ToLower(a.Hdr.Name)], a.A)
		}
	}

	var (
		ttl     uint32
		targets []SRVTarget
	)
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		targets = append(targets, SRVTarget{
			Target:   strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			Priority: srv.Priority,
			Weight:   srv.Weight,
			TTL:      time.Duration(srv.Hdr.Ttl) * time.Second,
			Addrs:    glue[strings.ToLower(srv.Target)],
		})
		ttl = minTTL(ttl, srv.Hdr.Ttl, len(targets) == 1)
	}
	if len(targets) == 0 {
		return 0, nil, fmt.Errorf("%w: no SRV records for %s", ErrEmptyDNSResponse, name)
	}

	return time.Duration(ttl) * time.Second, targets, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrDNSQuery, dns.TypeToString[qtype], name, err)
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
		return in, nil
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s %s: %s", ErrEmptyDNSResponse, dns.TypeToString[qtype], name,
			dns.RcodeToString[in.Rcode])
	default:
		return nil, fmt.Errorf("%w: %s %s: %s", ErrDNSQuery, dns.TypeToString[qtype], name,
			dns.RcodeToString[in.Rcode])
	}
}

func minTTL(cur, ttl uint32, first bool) uint32 {
	if first || ttl < cur {
		return ttl
	}
	return cur
}
