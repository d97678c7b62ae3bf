package queuemodel

import (
	"math"
	"time"

	"github.com/gyuho/fdbcore/pkg/clock"
)

// smoother holds an exponentially-decaying running total: each addDelta
// call folds in elapsed-time decay before adding the new delta, so a
// spike added now contributes its full value immediately and fades out
// over roughly timeConstant. This is the same shape as the teacher's
// pkg/probing.status SRTT update (an alpha-weighted moving average), just
// parameterized by a time constant instead of a fixed per-sample alpha,
// since the number of samples per second here is not fixed (endpoints see
// traffic at irregular rates).
type smoother struct {
	timeConstant time.Duration
	total        float64
	last         time.Time
}

func newSmoother(timeConstant time.Duration) *smoother {
	return &smoother{timeConstant: timeConstant}
}

func (s *smoother) decay(clk clock.Clock) {
	now := clk.Now()
	if s.last.IsZero() {
		s.last = now
		return
	}
	elapsed := now.Sub(s.last).Seconds()
	if elapsed > 0 {
		s.total *= math.Exp(-elapsed / s.timeConstant.Seconds())
		s.last = now
	}
}

func (s *smoother) addDelta(clk clock.Clock, delta float64) {
	s.decay(clk)
	s.total += delta
	if s.total < 0 {
		s.total = 0
	}
}

func (s *smoother) value(clk clock.Clock) float64 {
	s.decay(clk)
	return s.total
}
