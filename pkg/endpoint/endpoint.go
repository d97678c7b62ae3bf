// Package endpoint defines the routable identifier and alternatives-set
// types shared by the load balancer, the failure monitor, and the queue
// model.
package endpoint

import "fmt"

// Endpoint is an opaque routable identifier: a network address plus a
// stable 64-bit token. Equality is on Token alone; two Endpoint values
// with the same Token refer to the same incarnation of a remote
// interface, even if Address differs (it should not, in practice).
type Endpoint struct {
	Address string
	Token   uint64
}

// String renders the endpoint for logs and traces.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s#%x", e.Address, e.Token)
}

// Alternatives is an ordered set of interchangeable endpoints serving the
// same logical RPC. Items[:CountBest] is the "local" prefix: the caller's
// locality tier (e.g. same datacenter).
type Alternatives struct {
	Items []Endpoint

	// CountBest is the length of the local prefix.
	CountBest int

	// Fresh is false when this set was not just (re)resolved from an
	// authoritative source. A caller holding a non-fresh set that finds
	// every alternative failed should treat that as a signal to refresh
	// rather than wait forever.
	Fresh bool
}

// Size returns the number of alternatives.
func (a *Alternatives) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Items)
}

// Get returns the i-th alternative.
func (a *Alternatives) Get(i int) Endpoint {
	return a.Items[i]
}

// Describe renders a short summary for diagnostic traces.
func (a *Alternatives) Describe() string {
	if a == nil || len(a.Items) == 0 {
		return "alternatives{empty}"
	}
	return fmt.Sprintf("alternatives{n=%d countBest=%d fresh=%v first=%s}",
		len(a.Items), a.CountBest, a.Fresh, a.Items[0])
}
