package loadbalance

import "time"

// Knobs holds the tunable constants of spec §6.3 relevant to load
// balancing and hedging. Defaults follow the FoundationDB source's
// orders of magnitude.
type Knobs struct {
	// BaseSecondRequestTime is the minimum hedge delay, before the
	// model's SecondMultiplier and observed latency are folded in.
	BaseSecondRequestTime time.Duration

	// MaxBackoff bounds the retry backoff growth applied once every
	// alternative has been tried and failed at least once.
	MaxBackoff time.Duration

	// BackoffGrowth is the multiplicative factor applied to the backoff
	// delay each time a full pass over the alternatives fails.
	BackoffGrowth float64

	// WatchdogThreshold is how long a single Send call may run before a
	// diagnostic log line is emitted (spec §4.3, "stuck-client trace").
	WatchdogThreshold time.Duration

	// InstantSecondRequestMultiplier is the threshold ratio above which
	// the hedge fires immediately instead of waiting out the computed
	// hedge delay: if the first choice's latency exceeds this multiplier
	// times the second choice's projected delay, there is no point
	// waiting at all.
	InstantSecondRequestMultiplier float64

	// MaxBadOptions bounds how many "bad" (penalty > PenaltyIsBad)
	// endpoints the selection scan tolerates in the local (in-CountBest)
	// prefix before it gives up early-stopping and also considers the
	// remote tail.
	MaxBadOptions int

	// PenaltyIsBad is the self-reported-penalty threshold above which an
	// endpoint counts as "bad" for selection purposes.
	PenaltyIsBad float64
}

// DefaultKnobs returns the default tunables.
func DefaultKnobs() Knobs {
	return Knobs{
		BaseSecondRequestTime:          5 * time.Millisecond,
		MaxBackoff:                     1 * time.Second,
		BackoffGrowth:                  2.0,
		WatchdogThreshold:              5 * time.Second,
		InstantSecondRequestMultiplier: 2.0,
		MaxBadOptions:                  1,
		PenaltyIsBad:                   1.001,
	}
}
