package loadbalance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gyuho/fdbcore/internal/queuemodel"
	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/endpoint"
)

// Transport is one endpoint's RPC channel for a single request type.
// Alternatives carries one Transport per candidate endpoint; LoadBalancer
// never talks to the network directly, only through this interface
// (spec §6.1), so it is trivially mockable in tests.
type Transport[Req any, Rep any] interface {
	Endpoint() endpoint.Endpoint
	TryGetReply(ctx context.Context, req Req) (Rep, error)
}

// Alternatives is the ordered candidate set for one Send call (spec §3,
// "Alternatives set"). The first CountBest entries are the local prefix,
// which selection scans before the remote tail; Fresh
// marks the set as authoritative, so an empty Fresh set fails fast
// instead of blocking for a refresh that will never come.
type Alternatives[Req any, Rep any] struct {
	Items     []Transport[Req, Rep]
	CountBest int
	Fresh     bool
}

// Size returns the number of candidate endpoints.
func (a *Alternatives[Req, Rep]) Size() int { return len(a.Items) }

// Get returns the i'th candidate transport.
func (a *Alternatives[Req, Rep]) Get(i int) Transport[Req, Rep] { return a.Items[i] }

type attemptResult[Rep any] struct {
	reply Rep
	err   error
}

// outcomeKind classifies what checkAndProcessResultImpl decided.
type outcomeKind int

const (
	outcomeRetry outcomeKind = iota
	outcomeSuccess
	outcomeFatal
)

type outcome[Rep any] struct {
	kind  outcomeKind
	reply Rep
	err   error
}

// requestData is one in-flight attempt against one endpoint, tracking
// exactly enough state to be converted into a detached lagging task if
// the caller stops waiting on it before it completes (spec §4.3,
// "RequestData destruction"). It is reused across StartRequest calls
// within one Send, mirroring the source's actor-local state variable
// that survives loop iterations until it actually resolves.
type requestData[Req any, Rep any] struct {
	mu sync.Mutex

	responseCh chan attemptResult[Rep]
	holder     *queuemodel.ModelHolder

	valid            bool
	requestStarted   bool
	requestProcessed bool
	triedAllOptions  bool
}

// IsValid reports whether an attempt is outstanding or awaiting
// processing (i.e. has not yet been consumed by CheckAndProcessResult).
func (r *requestData[Req, Rep]) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid
}

// Response returns the channel the attempt's result will arrive on, or
// nil if no attempt is currently outstanding.
func (r *requestData[Req, Rep]) Response() <-chan attemptResult[Rep] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid {
		return nil
	}
	return r.responseCh
}

// StartRequest issues a new attempt against t, after an optional backoff
// delay. The ModelHolder (and therefore the outstanding-load accounting)
// is only acquired once the delay has elapsed and the request is
// actually sent, not when it is merely scheduled.
func (r *requestData[Req, Rep]) StartRequest(ctx context.Context, clk clock.Clock, backoffCh <-chan time.Time, triedAllOptions bool, t Transport[Req, Rep], req Req, model *queuemodel.QueueModel) {
	ch := make(chan attemptResult[Rep], 1)

	r.mu.Lock()
	r.responseCh = ch
	r.valid = true
	r.requestStarted = false
	r.requestProcessed = false
	r.triedAllOptions = triedAllOptions
	r.holder = nil
	r.mu.Unlock()

	send := func() {
		h := queuemodel.NewModelHolder(model, t.Endpoint().Token, clk)
		r.mu.Lock()
		r.holder = h
		r.requestStarted = true
		r.mu.Unlock()
		rep, err := t.TryGetReply(ctx, req)
		ch <- attemptResult[Rep]{reply: rep, err: err}
	}

	if backoffCh == nil {
		go send()
		return
	}
	go func() {
		select {
		case <-backoffCh:
			send()
		case <-ctx.Done():
			ch <- attemptResult[Rep]{err: ctx.Err()}
		}
	}()
}

// CheckAndProcessResult consumes a ready result from Response(), marks
// the attempt processed, releases its ModelHolder, and classifies the
// outcome (spec §4.3, reply-classification matrix).
func (r *requestData[Req, Rep]) CheckAndProcessResult(res attemptResult[Rep], atMostOnce bool) outcome[Rep] {
	r.mu.Lock()
	r.requestProcessed = true
	holder := r.holder
	tried := r.triedAllOptions
	r.mu.Unlock()

	out := checkAndProcessResultImpl[Req, Rep](res, holder, atMostOnce, tried)

	if out.kind == outcomeRetry {
		r.mu.Lock()
		r.valid = false
		r.mu.Unlock()
	}
	return out
}

// Close converts an abandoned but still-outstanding attempt into a
// detached lagging task so the model eventually sees its outcome, then
// forgets about it. Safe to call on an attempt that never started, or
// that already completed; in both cases it is a no-op.
func (r *requestData[Req, Rep]) Close(model *queuemodel.QueueModel) {
	r.mu.Lock()
	started := r.requestStarted
	processed := r.requestProcessed
	holder := r.holder
	ch := r.responseCh
	tried := r.triedAllOptions
	r.mu.Unlock()

	if !started || processed || holder == nil || model == nil {
		return
	}

	model.LaggingTask(func(cancel <-chan struct{}) {
		select {
		case res := <-ch:
			checkAndProcessResultImpl[Req, Rep](res, holder, false, tried)
		case <-cancel:
			holder.Release(false, false, -1.0, false)
		}
	})
}

// checkAndProcessResultImpl implements the reply-classification matrix
// of spec §4.3. It always releases holder exactly once (ModelHolder.Release
// is itself idempotent, so this is safe even if the caller already
// released it through some other path).
func checkAndProcessResultImpl[Req any, Rep any](res attemptResult[Rep], holder *queuemodel.ModelHolder, atMostOnce bool, triedAllOptions bool) outcome[Rep] {
	var lbrPresent bool
	var lbrErr error
	penalty := -1.0

	if res.err == nil {
		if lbr, ok := any(res.reply).(LoadBalancedReply); ok {
			lbrPresent = true
			lbrErr = lbr.LBError()
			penalty = lbr.LBPenalty()
		}
	}

	var errCode error
	if lbrPresent {
		errCode = lbrErr
	} else {
		errCode = res.err
	}

	maybeDelivered := isErr(errCode, ErrBrokenPromise) || isErr(errCode, ErrRequestMaybeDelivered)
	processBehind := isErr(errCode, ErrProcessBehind)
	futureVersion := isErr(errCode, ErrFutureVersion)

	var receivedResponse bool
	if lbrPresent {
		receivedResponse = lbrErr == nil
	} else {
		receivedResponse = res.err == nil
	}
	receivedResponse = receivedResponse || (!maybeDelivered && !processBehind && !futureVersion)

	if holder != nil {
		holder.Release(receivedResponse, futureVersion, penalty, false)
	}

	switch {
	case isErr(errCode, ErrServerOverloaded):
		return outcome[Rep]{kind: outcomeRetry}
	case errCode == nil:
		return outcome[Rep]{kind: outcomeSuccess, reply: res.reply}
	case atMostOnce && maybeDelivered:
		return outcome[Rep]{kind: outcomeFatal, err: ErrRequestMaybeDelivered}
	case futureVersion:
		// Retriable: the server is ahead of us. holder.Release above has
		// already set this endpoint's failedUntil debounce horizon so
		// the next selection pass steers away from it for a while.
		return outcome[Rep]{kind: outcomeRetry}
	case triedAllOptions && processBehind:
		return outcome[Rep]{kind: outcomeFatal, err: ErrProcessBehind}
	case receivedResponse:
		return outcome[Rep]{kind: outcomeFatal, err: errCode}
	default:
		return outcome[Rep]{kind: outcomeRetry}
	}
}

func isErr(err, target error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, target)
}
