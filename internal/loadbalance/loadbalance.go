// Package loadbalance implements hedged, load-aware RPC dispatch across
// an alternatives set (spec §4.3). LoadBalancer races a second attempt
// against the first once a model-derived hedge delay elapses, skips
// endpoints the failure monitor currently reports as down, and retries
// with growing backoff once every alternative has been tried at least
// once in the current call.
package loadbalance

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gyuho/fdbcore/internal/failuremonitor"
	"github.com/gyuho/fdbcore/internal/queuemodel"
	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/xlog"
)

var logger = xlog.NewLogger("loadbalance", xlog.INFO)

var closedTimeCh = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

// LoadBalancer dispatches requests of one RPC type across an
// Alternatives set. The zero value is not usable; construct with New.
type LoadBalancer[Req any, Rep any] struct {
	failureMon failuremonitor.Monitor
	model      *queuemodel.QueueModel
	clk        clock.Clock
	knobs      Knobs

	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a LoadBalancer. model may be nil to disable hedging and
// load-based placement entirely (every candidate is equally eligible and
// only the first alternative found healthy is ever used).
func New[Req any, Rep any](failureMon failuremonitor.Monitor, model *queuemodel.QueueModel, clk clock.Clock, knobs Knobs) *LoadBalancer[Req, Rep] {
	return &LoadBalancer[Req, Rep]{
		failureMon: failureMon,
		model:      model,
		clk:        clk,
		knobs:      knobs,
		rnd:        rand.New(rand.NewSource(1)),
	}
}

func (lb *LoadBalancer[Req, Rep]) intn(n int) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.rnd.Intn(n)
}

// hedgeDelay implements the Hedging policy of spec §4.4. Given the
// latencies the model has observed for the chosen (best) candidate and
// for the runner-up that would receive the hedge, it returns the delay
// to wait before racing the second request and whether hedging should
// happen at all; hedging never happens without a model or without a
// second candidate.
func (lb *LoadBalancer[Req, Rep]) hedgeDelay(bestToken, nextToken uint64, hasNext bool) (delay time.Duration, hedge bool) {
	if lb.model == nil || !hasNext {
		return 0, false
	}

	bestTime := time.Duration(lb.model.Measurement(bestToken).Latency() * float64(time.Second))
	nextTime := time.Duration(lb.model.Measurement(nextToken).Latency() * float64(time.Second))

	base := lb.knobs.BaseSecondRequestTime
	computed := time.Duration(lb.model.SecondMultiplier()*float64(nextTime)) + base

	threshold := time.Duration(lb.knobs.InstantSecondRequestMultiplier * float64(computed))
	if bestTime > threshold {
		return 0, true
	}
	return computed, true
}

// candidateSelection is the outcome of one Selection-algorithm scan
// (spec §4.4): best is the chosen endpoint, next (if present) is the
// runner-up that a hedge would be sent to.
type candidateSelection[Req any, Rep any] struct {
	best    Transport[Req, Rep]
	bestTok uint64
	next    Transport[Req, Rep]
	nextTok uint64
	hasNext bool
}

// selectCandidates implements the Selection algorithm of spec §4.4. With
// no model, it picks a random starting index and returns the first
// non-failed endpoint found scanning forward circularly from scanFrom.
// With a model, it scans alternatives computing (outstanding, latency)
// per non-failed, non-debounced endpoint and tracks the two lowest
// smoothed-outstanding alternatives as best/next, skipping endpoints
// whose failedUntil has not yet elapsed even if the failure monitor
// reports them up. It stops scanning the remote tail early once the
// local (in-CountBest) prefix has already produced both a best and a
// next choice and the count of bad (penalty > PenaltyIsBad) endpoints
// stays within MaxBadOptions; otherwise it also scans the remote tail.
func (lb *LoadBalancer[Req, Rep]) selectCandidates(alts *Alternatives[Req, Rep], scanFrom int) candidateSelection[Req, Rep] {
	n := alts.Size()
	countBest := alts.CountBest
	if countBest <= 0 || countBest > n {
		countBest = n
	}

	if lb.model == nil {
		for i := 0; i < n; i++ {
			idx := (scanFrom + i) % n
			t := alts.Get(idx)
			ep := t.Endpoint()
			if !lb.failureMon.GetState(ep).Failed {
				return candidateSelection[Req, Rep]{best: t, bestTok: ep.Token}
			}
		}
		return candidateSelection[Req, Rep]{}
	}

	var sel candidateSelection[Req, Rep]
	var bestOutstanding, nextOutstanding float64
	badCount := 0
	now := lb.clk.Now()

	scan := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			idx := lo + (scanFrom+i-lo)%(hi-lo)
			t := alts.Get(idx)
			ep := t.Endpoint()
			if lb.failureMon.GetState(ep).Failed {
				continue
			}
			meas := lb.model.Measurement(ep.Token)
			if meas.FailedUntil().After(now) {
				continue
			}
			if meas.Penalty() > lb.knobs.PenaltyIsBad {
				badCount++
			}
			outstanding := meas.Outstanding(lb.clk)
			switch {
			case sel.best == nil:
				sel.best, sel.bestTok, bestOutstanding = t, ep.Token, outstanding
			case outstanding < bestOutstanding:
				sel.next, sel.nextTok, nextOutstanding, sel.hasNext = sel.best, sel.bestTok, bestOutstanding, true
				sel.best, sel.bestTok, bestOutstanding = t, ep.Token, outstanding
			case !sel.hasNext || outstanding < nextOutstanding:
				sel.next, sel.nextTok, nextOutstanding, sel.hasNext = t, ep.Token, outstanding, true
			}
		}
	}

	scan(0, countBest)
	if countBest < n && (sel.best == nil || !sel.hasNext || badCount > lb.knobs.MaxBadOptions) {
		scan(countBest, n)
	}
	return sel
}

// Send issues req against alts, hedging and retrying as needed, and
// returns the first successful reply or the first fatal error (spec
// §4.3). atMostOnce marks req as non-idempotent: an attempt whose
// outcome could not be confirmed is then surfaced as
// ErrRequestMaybeDelivered instead of silently retried.
func (lb *LoadBalancer[Req, Rep]) Send(ctx context.Context, alts *Alternatives[Req, Rep], req Req, atMostOnce bool) (Rep, error) {
	var zero Rep

	if alts == nil || alts.Size() == 0 {
		if alts != nil && alts.Fresh {
			return zero, ErrAllAlternativesFailed
		}
		<-ctx.Done()
		return zero, ctx.Err()
	}

	n := alts.Size()
	countBest := alts.CountBest
	if countBest <= 0 || countBest > n {
		countBest = n
	}

	first := &requestData[Req, Rep]{}
	second := &requestData[Req, Rep]{}
	defer first.Close(lb.model)
	defer second.Close(lb.model)

	scanFrom := lb.intn(countBest)
	var firstToken *uint64
	numAttempts := 0
	triedAllOptions := false
	var backoff time.Duration
	var backoffCh <-chan time.Time
	startTime := lb.clk.Now()

	markRetry := func() {
		numAttempts++
		if numAttempts < n {
			return
		}
		triedAllOptions = true
		if backoff == 0 {
			backoff = time.Millisecond
		} else {
			backoff = time.Duration(float64(backoff) * lb.knobs.BackoffGrowth)
		}
		if backoff > lb.knobs.MaxBackoff {
			backoff = lb.knobs.MaxBackoff
		}
		backoffCh = lb.clk.After(backoff)
	}

	handle := func(rd *requestData[Req, Rep], res attemptResult[Rep], tokenSlot **uint64) (Rep, bool, error) {
		out := rd.CheckAndProcessResult(res, atMostOnce)
		switch out.kind {
		case outcomeSuccess:
			return out.reply, true, nil
		case outcomeFatal:
			return zero, true, out.err
		default:
			*tokenSlot = nil
			markRetry()
			return zero, false, nil
		}
	}

	for {
		if lb.clk.Now().Sub(startTime) > lb.knobs.WatchdogThreshold {
			logger.Warningf("load balanced call across %d alternatives outstanding for %s (attempts=%d)", n, lb.clk.Now().Sub(startTime), numAttempts)
		}

		if !first.IsValid() {
			sel := lb.selectCandidates(alts, scanFrom)
			if sel.best == nil {
				if err := lb.waitForAnyHealthy(ctx, alts); err != nil {
					return zero, err
				}
				continue
			}
			tok := sel.bestTok
			firstToken = &tok
			first.StartRequest(ctx, lb.clk, backoffCh, triedAllOptions, sel.best, req, lb.model)
			backoffCh = nil

			var hedgeTimer <-chan time.Time
			var hedgeCandidate Transport[Req, Rep]
			if d, hedge := lb.hedgeDelay(sel.bestTok, sel.nextTok, sel.hasNext); hedge {
				hedgeCandidate = sel.next
				if d > 0 {
					hedgeTimer = lb.clk.After(d)
				} else {
					hedgeTimer = closedTimeCh
				}
			}

			select {
			case res := <-first.Response():
				rep, done, err := handle(first, res, &firstToken)
				if done {
					if err == nil && lb.model != nil {
						lb.model.OnFirstSuccess()
					}
					return rep, err
				}
			case <-hedgeTimer:
				if hedgeCandidate != nil && lb.model.TrySpendHedgeBudget() {
					second.StartRequest(ctx, lb.clk, nil, triedAllOptions, hedgeCandidate, req, lb.model)
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			scanFrom = (scanFrom + 1) % n
			continue
		}

		if second.IsValid() {
			var secondToken *uint64
			select {
			case res := <-first.Response():
				if rep, done, err := handle(first, res, &firstToken); done {
					return rep, err
				}
			case res := <-second.Response():
				if rep, done, err := handle(second, res, &secondToken); done {
					return rep, err
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			scanFrom = (scanFrom + 1) % n
			continue
		}

		select {
		case res := <-first.Response():
			if rep, done, err := handle(first, res, &firstToken); done {
				return rep, err
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		scanFrom = (scanFrom + 1) % n
	}
}

func (lb *LoadBalancer[Req, Rep]) waitForAnyHealthy(ctx context.Context, alts *Alternatives[Req, Rep]) error {
	n := alts.Size()
	done := make(chan struct{})
	var once sync.Once
	for i := 0; i < n; i++ {
		c := lb.failureMon.OnStateEqual(ctx, alts.Get(i).Endpoint(), failuremonitor.State{Failed: false})
		go func() {
			select {
			case <-c:
				once.Do(func() { close(done) })
			case <-ctx.Done():
			}
		}()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
