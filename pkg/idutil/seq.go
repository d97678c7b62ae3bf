package idutil

import "sync/atomic"

// SeqGenerator hands out a strictly increasing stream of uint64 sequence
// numbers starting at 1. Unlike Generator, it carries no timestamp or
// owner prefix: it is used where the only requirement is a total order
// across every call site sharing one SeqGenerator (the TagThrottler's
// per-request global sequence number, spec §3).
type SeqGenerator struct {
	n uint64
}

// Next returns the next sequence number.
func (g *SeqGenerator) Next() uint64 {
	return atomic.AddUint64(&g.n, 1)
}
