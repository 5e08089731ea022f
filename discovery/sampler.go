package discovery

import (
	"math/rand"

	"github.com/ice-blockchain/go-loadbalancing"
)

// sampler picks at most max addresses. The pick depends only on the set of
// addresses and the seed, so a process keeps the same replicas as long as
// DNS returns the same set, while different processes spread over all of
// them.
type sampler struct {
	max  int
	seed int64
}

func newSampler(max int, seed int64) *sampler {
	return &sampler{max: max, seed: seed}
}

func (s *sampler) sample(addrs []loadbalancing.Address) []loadbalancing.Address {
	sorted := make([]loadbalancing.Address, len(addrs))
	copy(sorted, addrs)
	sorted = loadbalancing.SortAddresses(sorted)

	if s.max <= 0 || len(sorted) <= s.max {
		return sorted
	}

	r := rand.New(rand.NewSource(s.seed))
	r.Shuffle(len(sorted), func(i, j int) {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	})
	return loadbalancing.SortAddresses(sorted[:s.max])
}
