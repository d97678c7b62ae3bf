package idutil

import (
	"math"
	"sync"
	"time"
)

// Generator generates unique uint64 ids based on an owner ID, a
// timestamp, and a counter.
//
//	| prefix   | suffix              |
//	| 2 bytes  | 5 bytes   | 1 byte  |
//	| ownerID  | timestamp | cnt     |
//
// The timestamp component means IDs minted by a freshly (re)started
// process never collide with IDs a prior incarnation of the same process
// handed out. No other package in this module calls it; the Endpoint
// tokens used in cmd/coredemo and the tests are fixed literals.
type Generator struct {
	mu sync.Mutex

	// high order 2 bytes with member ID
	prefix uint64

	// lower order 6 bytes
	// 5 bytes are for timestamps
	// 1 byte is for counter
	suffix uint64
}

/*
& (AND)

Let f be &

	1. f(a, b) = f(b, a)
	2. f(a, a) = a
	3. f(a, b) ≤ max(a, b)


∨ (OR)

Let f be ∨

	1. f(a, b) = f(b, a)
	2. f(a, a) = a
	3. f(a, b) ≥ max(a, b)
*/

func lowByteBit(x uint64, n uint) uint64 {
	return x & (math.MaxUint64 >> (8*8 - n)) // lower n bits
}

// NewGenerator returns a new Generator scoped to ownerID (e.g. a process
// or shard identifier), seeded from now.
func NewGenerator(ownerID uint16, now time.Time) *Generator {
	prefix := uint64(ownerID) << (8 * 6) // first(high) 2 bytes

	msec := uint64(now.UnixNano()) / uint64(time.Millisecond)
	suffix := lowByteBit(msec, 8*5)
	suffix = suffix << 8 // one lower byte to spare for count

	return &Generator{
		prefix: prefix,
		suffix: suffix,
	}
}

// Next generates the next unique ID.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	g.suffix++
	id := g.prefix | lowByteBit(g.suffix, 8*6)
	g.mu.Unlock()

	return id
}
