package test_helpers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/discovery"
)

// MockAnswer is a successful answer of a MockResolver.
type MockAnswer struct {
	TTL   time.Duration
	Addrs []loadbalancing.Address
}

type resolverResponse struct {
	answer MockAnswer
	err    error
}

// MockResolver is an implementation of the discovery.AddressResolver
// interface used for testing purposes. It returns the given responses in
// order and repeats the last one when they run out.
type MockResolver struct {
	mutex     sync.Mutex
	requests  []string
	responses []resolverResponse
	next      int
	t         testing.TB
}

var _ discovery.AddressResolver = (*MockResolver)(nil)

// NewMockResolver creates a MockResolver by given responses.
// Each response could be one of two types: MockAnswer or error.
func NewMockResolver(t testing.TB, responses ...interface{}) *MockResolver {
	t.Helper()

	r := &MockResolver{t: t}
	r.Push(responses...)
	return r
}

// Push appends responses.
func (r *MockResolver) Push(responses ...interface{}) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, response := range responses {
		switch resp := response.(type) {
		case MockAnswer:
			r.responses = append(r.responses, resolverResponse{answer: resp})
		case error:
			r.responses = append(r.responses, resolverResponse{err: resp})
		default:
			r.t.Fatalf("unsupported type: %T", response)
		}
	}
}

// Resolve returns the current response. It saves the name into Requests.
func (r *MockResolver) Resolve(_ context.Context, _ discovery.RecordType,
	name string) (time.Duration, []loadbalancing.Address, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.requests = append(r.requests, name)
	if len(r.responses) == 0 {
		r.t.Errorf("list of responses is empty")
		return 0, nil, discovery.ErrEmptyDNSResponse
	}

	response := r.responses[min(r.next, len(r.responses)-1)]
	r.next++
	if response.err != nil {
		return 0, nil, response.err
	}

	addrs := make([]loadbalancing.Address, len(response.answer.Addrs))
	copy(addrs, response.answer.Addrs)
	return response.answer.TTL, addrs, nil
}

// Requests returns the number of Resolve calls.
func (r *MockResolver) Requests() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.requests)
}
