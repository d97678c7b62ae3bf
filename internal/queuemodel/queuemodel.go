// Package queuemodel maintains smoothed per-endpoint latency, outstanding
// load, and self-reported penalty, and drives the LoadBalancer's hedged-
// request policy (spec §4.2). It is private to one LoadBalancer call site
// (spec §5, "Shared-resource policy"): nothing in this package reaches
// across goroutines except through the explicit mutex below, which plays
// the role the design's single-threaded event loop would have played in
// the source language.
package queuemodel

import (
	"math"
	"sync"
	"time"

	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/xlog"
)

var logger = xlog.NewLogger("queuemodel", xlog.INFO)

// Knobs holds the tunable constants of spec §6.3 relevant to this
// package. Defaults follow the FoundationDB source's orders of
// magnitude; exact values are not load-bearing for correctness, only for
// tuning, so they are exposed for callers to override.
type Knobs struct {
	// LatencyAlpha weights the exponential moving average applied to
	// round-trip latency samples (same α the teacher's pkg/probing.status
	// uses for SRTT, 0.125 per RFC 2988).
	LatencyAlpha float64

	// OutstandingTimeConstant is the decay time constant for the
	// smoothed outstanding-request count.
	OutstandingTimeConstant time.Duration

	// FailedUntilDebounce is how long endRequest suppresses an endpoint
	// after it reports futureVersion, so the caller doesn't hammer a
	// server that is ahead of it.
	FailedUntilDebounce time.Duration

	SecondMultiplierGrowth float64
	SecondMultiplierDecay  float64
	SecondBudgetGrowth     float64
	SecondBudgetMax        float64

	MaxLaggingRequestsOutstanding int
}

// DefaultKnobs returns the default tunables.
func DefaultKnobs() Knobs {
	return Knobs{
		LatencyAlpha:                  0.125,
		OutstandingTimeConstant:       2 * time.Second,
		FailedUntilDebounce:           1 * time.Second,
		SecondMultiplierGrowth:        0.01,
		SecondMultiplierDecay:         0.01,
		SecondBudgetGrowth:            0.01,
		SecondBudgetMax:               10.0,
		MaxLaggingRequestsOutstanding: 250,
	}
}

// Measurement is the per-endpoint state described in spec §3.
type Measurement struct {
	smoothOutstanding *smoother
	latency           float64 // seconds, EWMA
	penalty           float64
	failedUntil       time.Time
}

func newMeasurement(knobs Knobs) *Measurement {
	return &Measurement{
		smoothOutstanding: newSmoother(knobs.OutstandingTimeConstant),
		penalty:           1.0,
	}
}

// Outstanding returns the current smoothed outstanding-request count.
func (m *Measurement) Outstanding(clk clock.Clock) float64 { return m.smoothOutstanding.value(clk) }

// Latency returns the current smoothed round-trip latency.
func (m *Measurement) Latency() float64 { return m.latency }

// Penalty returns the last self-reported penalty (default 1.0).
func (m *Measurement) Penalty() float64 { return m.penalty }

// FailedUntil returns the debounce deadline; the caller should treat the
// endpoint as unusable until clk.Now() is past it.
func (m *Measurement) FailedUntil() time.Time { return m.failedUntil }

// QueueModel is the client-private per-call placement model.
type QueueModel struct {
	mu    sync.Mutex
	clk   clock.Clock
	knobs Knobs

	measurements map[uint64]*Measurement

	secondMultiplier float64
	secondBudget     float64

	laggingGen   chan struct{}
	laggingCount int
}

// New returns a QueueModel with no endpoints measured yet.
func New(clk clock.Clock, knobs Knobs) *QueueModel {
	return &QueueModel{
		clk:              clk,
		knobs:            knobs,
		measurements:     make(map[uint64]*Measurement),
		secondMultiplier: 1.0,
		laggingGen:       make(chan struct{}),
	}
}

func (m *QueueModel) measurementLocked(token uint64) *Measurement {
	meas, ok := m.measurements[token]
	if !ok {
		meas = newMeasurement(m.knobs)
		m.measurements[token] = meas
	}
	return meas
}

// Measurement returns a snapshot accessor for token's measurement,
// creating one (with default values) if none exists yet.
func (m *QueueModel) Measurement(token uint64) *Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.measurementLocked(token)
}

// AddRequest registers one new in-flight request against token and
// returns the delta that was added to smoothOutstanding; the caller must
// pass this same delta back to EndRequest so the net contribution of the
// pair is exactly zero (spec invariant 6, §8).
func (m *QueueModel) AddRequest(token uint64) float64 {
	const delta = 1.0
	m.mu.Lock()
	defer m.mu.Unlock()
	meas := m.measurementLocked(token)
	meas.smoothOutstanding.addDelta(m.clk, delta)
	return delta
}

// EndRequest undoes the contribution of a prior AddRequest and folds in
// the observed outcome of the attempt (spec §4.2). measureLatency is set
// when the caller explicitly timed the attempt even though it was not a
// clean (definite) reply, e.g. the at-most-once "maybe delivered" path.
func (m *QueueModel) EndRequest(token uint64, latency time.Duration, penalty float64, delta float64, clean bool, futureVersion bool, measureLatency bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meas := m.measurementLocked(token)
	meas.smoothOutstanding.addDelta(m.clk, -delta)

	if clean || measureLatency {
		if meas.latency == 0 {
			meas.latency = latency.Seconds()
		} else {
			a := m.knobs.LatencyAlpha
			meas.latency = (1-a)*meas.latency + a*latency.Seconds()
		}
	}

	if penalty >= 0 {
		meas.penalty = penalty
	}

	if futureVersion {
		meas.failedUntil = m.clk.Now().Add(m.knobs.FailedUntilDebounce)
	}
}

// OnFirstSuccess is called when the first-choice alternative replies
// successfully without needing a hedge: the hedge-trigger threshold
// relaxes back toward 1.0 and the hedge-send budget is replenished.
func (m *QueueModel) OnFirstSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondMultiplier = math.Max(m.secondMultiplier-m.knobs.SecondMultiplierDecay, 1.0)
	m.secondBudget = math.Min(m.secondBudget+m.knobs.SecondBudgetGrowth, m.knobs.SecondBudgetMax)
}

// SecondMultiplier returns the current hedge-delay multiplier.
func (m *QueueModel) SecondMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondMultiplier
}

// TrySpendHedgeBudget attempts to debit 1.0 from the hedge-send budget.
// It returns false (and debits nothing) if the budget is below 1.0, in
// which case the caller must not send a hedge this round.
func (m *QueueModel) TrySpendHedgeBudget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secondBudget < 1.0 {
		return false
	}
	m.secondBudget -= 1.0
	m.secondMultiplier += m.knobs.SecondMultiplierGrowth
	return true
}

// LaggingTask registers a detached background closure that must still
// run to completion so the model sees the eventual outcome of a request
// the caller has stopped waiting on (spec §4.3, "lagging request"). If
// the outstanding lagging-task count exceeds the configured cap, the
// current generation is cancelled wholesale and a fresh one started
// (spec §4.2's "cap on outstanding lagging requests"); fn should select
// on the supplied cancel channel and give up promptly when it closes.
func (m *QueueModel) LaggingTask(fn func(cancel <-chan struct{})) {
	m.mu.Lock()
	if m.laggingCount > m.knobs.MaxLaggingRequestsOutstanding {
		logger.Warningf("lagging request cap exceeded (%d), restarting collection", m.laggingCount)
		close(m.laggingGen)
		m.laggingGen = make(chan struct{})
		m.laggingCount = 0
	}
	cancel := m.laggingGen
	m.laggingCount++
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.laggingCount--
			m.mu.Unlock()
		}()
		fn(cancel)
	}()
}
