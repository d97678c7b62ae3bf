package tagthrottler

import "math"

// rateInfo is a per-tag token-bucket budget (spec §4.6,
// "GrvTransactionRateInfo"). A release window accrues budget
// proportional to elapsed time at rate transactions/second, capped so
// a tag that has been idle cannot redeem more than one second's worth
// of backlog; canStart checks a tentative release against the window's
// budget without committing it, and endReleaseWindow commits whatever
// was actually released.
type rateInfo struct {
	rate    float64
	budget  float64
	limited bool
}

func newRateInfo(rate float64) *rateInfo {
	return &rateInfo{rate: rate, limited: true}
}

func (r *rateInfo) setRate(rate float64) {
	r.rate = rate
	r.limited = true
}

func (r *rateInfo) startReleaseWindow(elapsedSeconds float64) {
	if !r.limited {
		return
	}
	r.budget += r.rate * elapsedSeconds
	cap := math.Max(r.rate, 1.0)
	if r.budget > cap {
		r.budget = cap
	}
}

func (r *rateInfo) canStart(numAlreadyReleased, count uint32) bool {
	if !r.limited {
		return true
	}
	return float64(numAlreadyReleased)+float64(count) <= r.budget
}

func (r *rateInfo) endReleaseWindow(released uint32) {
	if !r.limited {
		return
	}
	r.budget -= float64(released)
	if r.budget < 0 {
		r.budget = 0
	}
}
