package vercoordinator

import (
	"sync"

	"github.com/gyuho/fdbcore/pkg/endpoint"
)

// ResolutionBalancer is the minimal locality-aware accessor over the
// current generation's resolver and commit-proxy lists (spec §4.5,
// "install resolver/commit-proxy lists into the resolution balancer").
// Full conflict-resolution placement policy is out of scope; this just
// gives callers a consistent, race-free snapshot of the two lists as
// UpdateRecoveryData replaces them across recovery generations.
type ResolutionBalancer struct {
	mu            sync.Mutex
	resolvers     []endpoint.Endpoint
	commitProxies []ProxyID
}

func newResolutionBalancer() *ResolutionBalancer {
	return &ResolutionBalancer{}
}

// Install replaces the resolver and commit-proxy lists atomically.
func (r *ResolutionBalancer) Install(resolvers []endpoint.Endpoint, commitProxies []ProxyID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append([]endpoint.Endpoint(nil), resolvers...)
	r.commitProxies = append([]ProxyID(nil), commitProxies...)
}

// Resolvers returns a snapshot of the current resolver list.
func (r *ResolutionBalancer) Resolvers() []endpoint.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]endpoint.Endpoint(nil), r.resolvers...)
}

// CommitProxies returns a snapshot of the current commit-proxy list.
func (r *ResolutionBalancer) CommitProxies() []ProxyID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProxyID(nil), r.commitProxies...)
}
