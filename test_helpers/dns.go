// Package test_helpers contains fakes and helpers for the load balancing
// tests: a DNS server, sqlmock backed hosts, a resolver with scripted
// answers and fake load balancers.
package test_helpers

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/miekg/dns"
)

type rrKey struct {
	name  string
	qtype uint16
}

// DNSServer is a UDP DNS server on 127.0.0.1 that answers from records
// added by the test.
type DNSServer struct {
	server *dns.Server
	port   int

	mutex   sync.Mutex
	answers map[rrKey][]dns.RR
	extra   map[rrKey][]dns.RR
	rcodes  map[string]int
	queries map[rrKey]int
}

// StartDNSServer starts a DNSServer. It is shut down when the test ends.
func StartDNSServer(t testing.TB) *DNSServer {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %s", err)
	}

	s := &DNSServer{
		port:    pc.LocalAddr().(*net.UDPAddr).Port,
		answers: make(map[rrKey][]dns.RR),
		extra:   make(map[rrKey][]dns.RR),
		rcodes:  make(map[string]int),
		queries: make(map[rrKey]int),
	}

	started := make(chan struct{})
	s.server = &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		_ = s.server.ActivateAndServe()
	}()
	<-started

	t.Cleanup(func() {
		_ = s.server.Shutdown()
	})
	return s
}

// Host returns the host the server listens on.
func (s *DNSServer) Host() string {
	return "127.0.0.1"
}

// Port returns the port the server listens on.
func (s *DNSServer) Port() int {
	return s.port
}

// AddA adds A records of name.
func (s *DNSServer) AddA(name string, ttl uint32, ips ...string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := rrKey{name: fqdn(name), qtype: dns.TypeA}
	for _, ip := range ips {
		s.answers[key] = append(s.answers[key], newA(name, ttl, ip))
	}
}

// AddSRV adds an SRV record of name pointing to target:port.
func (s *DNSServer) AddSRV(name string, ttl uint32, target string, port uint16) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := rrKey{name: fqdn(name), qtype: dns.TypeSRV}
	s.answers[key] = append(s.answers[key], &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   fqdn(name),
			Rrtype: dns.TypeSRV,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Port:   port,
		Target: fqdn(target),
	})
}

// AddGlue adds A records of target to the additional section of the SRV
// answer of name.
func (s *DNSServer) AddGlue(name, target string, ttl uint32, ips ...string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := rrKey{name: fqdn(name), qtype: dns.TypeSRV}
	for _, ip := range ips {
		s.extra[key] = append(s.extra[key], newA(target, ttl, ip))
	}
}

// SetRcode makes the server answer every query of name with rcode.
func (s *DNSServer) SetRcode(name string, rcode int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.rcodes[fqdn(name)] = rcode
}

// Reset removes all records.
func (s *DNSServer) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.answers = make(map[rrKey][]dns.RR)
	s.extra = make(map[rrKey][]dns.RR)
	s.rcodes = make(map[string]int)
}

// Queries returns the number of queries of name with type qtype.
func (s *DNSServer) Queries(name string, qtype uint16) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.queries[rrKey{name: fqdn(name), qtype: qtype}]
}

// ServeDNS implements dns.Handler.
func (s *DNSServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	if len(r.Question) == 1 {
		q := r.Question[0]
		key := rrKey{name: strings.ToLower(q.Name), qtype: q.Qtype}

		s.mutex.Lock()
		s.queries[key]++
		if rcode, ok := s.rcodes[key.name]; ok {
			m.Rcode = rcode
		} else {
			m.Answer = append(m.Answer, s.answers[key]...)
			m.Extra = append(m.Extra, s.extra[key]...)
		}
		s.mutex.Unlock()
	}

	_ = w.WriteMsg(m)
}

func newA(name string, ttl uint32, ip string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.ParseIP(ip).To4(),
	}
}

func fqdn(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
