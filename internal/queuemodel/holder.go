package queuemodel

import (
	"sync"
	"time"

	"github.com/gyuho/fdbcore/pkg/clock"
)

// ModelHolder is a scoped handle bound to one request attempt (spec
// §3/§9). Construction registers the attempt with the model; Release
// unregisters it exactly once, on every exit path (success, retry,
// cancel, lagging-request detach), mirroring the "drop-on-scope-exit
// idiom with explicit release + idempotent destructor guard" the design
// notes call for. Model may be nil, in which case Release is a no-op;
// this lets LoadBalancer run with or without a QueueModel uniformly.
type ModelHolder struct {
	model     *QueueModel
	token     uint64
	startTime time.Time
	clk       clock.Clock
	delta     float64
	once      sync.Once
}

// NewModelHolder constructs a ModelHolder bound to token, immediately
// calling QueueModel.AddRequest if model is non-nil.
func NewModelHolder(model *QueueModel, token uint64, clk clock.Clock) *ModelHolder {
	h := &ModelHolder{model: model, token: token, clk: clk, startTime: clk.Now()}
	if model != nil {
		h.delta = model.AddRequest(token)
	}
	return h
}

// Release reports the outcome of the attempt to the model. clean
// indicates a definite (successful or receive-and-failed) reply was
// obtained; futureVersion indicates the reply carried a future_version
// signal; penalty is the server-reported self-penalty, or a negative
// value to leave the prior penalty unchanged; measureLatency forces a
// latency sample to be recorded even when !clean. Safe to call more than
// once; only the first call has effect.
func (h *ModelHolder) Release(clean, futureVersion bool, penalty float64, measureLatency bool) {
	h.once.Do(func() {
		if h.model == nil {
			return
		}
		var latency time.Duration
		if clean || measureLatency {
			latency = h.clk.Now().Sub(h.startTime)
		}
		h.model.EndRequest(h.token, latency, penalty, h.delta, clean, futureVersion, measureLatency)
	})
}
