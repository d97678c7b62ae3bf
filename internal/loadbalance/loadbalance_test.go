package loadbalance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyuho/fdbcore/internal/failuremonitor"
	"github.com/gyuho/fdbcore/internal/queuemodel"
	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/endpoint"
)

type fakeTransport struct {
	ep endpoint.Endpoint
	fn func(ctx context.Context) (string, error)
}

func (t *fakeTransport) Endpoint() endpoint.Endpoint { return t.ep }

func (t *fakeTransport) TryGetReply(ctx context.Context, req string) (string, error) {
	return t.fn(ctx)
}

func newEndpoint(token uint64) endpoint.Endpoint {
	return endpoint.Endpoint{Address: "127.0.0.1:0", Token: token}
}

func waitResult(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Send did not complete in time")
	}
}

func TestLoadBalancer_SingleAltSuccess(t *testing.T) {
	mon := failuremonitor.New()
	lb := New[string, string](mon, nil, clock.Real{}, DefaultKnobs())

	tr := &fakeTransport{ep: newEndpoint(1), fn: func(ctx context.Context) (string, error) { return "ok", nil }}
	alts := &Alternatives[string, string]{Items: []Transport[string, string]{tr}, CountBest: 1}

	var reply string
	var err error
	done := make(chan struct{})
	go func() {
		reply, err = lb.Send(context.Background(), alts, "req", false)
		close(done)
	}()
	waitResult(t, done)

	if err != nil || reply != "ok" {
		t.Fatalf("Send() = (%q, %v), want (\"ok\", nil)", reply, err)
	}
}

func TestLoadBalancer_SkipsFailedEndpoint(t *testing.T) {
	mon := failuremonitor.New()
	lb := New[string, string](mon, nil, clock.Real{}, DefaultKnobs())

	epBad := newEndpoint(1)
	mon.ReportFailure(epBad)

	var badCalled int32
	bad := &fakeTransport{ep: epBad, fn: func(ctx context.Context) (string, error) {
		atomic.AddInt32(&badCalled, 1)
		return "", ErrBrokenPromise
	}}
	good := &fakeTransport{ep: newEndpoint(2), fn: func(ctx context.Context) (string, error) { return "good", nil }}

	alts := &Alternatives[string, string]{Items: []Transport[string, string]{bad, good}, CountBest: 2}

	var reply string
	var err error
	done := make(chan struct{})
	go func() {
		reply, err = lb.Send(context.Background(), alts, "req", false)
		close(done)
	}()
	waitResult(t, done)

	if err != nil || reply != "good" {
		t.Fatalf("Send() = (%q, %v), want (\"good\", nil)", reply, err)
	}
	if atomic.LoadInt32(&badCalled) != 0 {
		t.Fatalf("failed endpoint was dispatched to, want it skipped")
	}
}

func TestLoadBalancer_RetriesThenSucceeds(t *testing.T) {
	mon := failuremonitor.New()
	knobs := DefaultKnobs()
	knobs.MaxBackoff = 5 * time.Millisecond
	lb := New[string, string](mon, nil, clock.Real{}, knobs)

	var attempts int32
	tr := &fakeTransport{ep: newEndpoint(1), fn: func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return "", ErrServerOverloaded
		}
		return "ok", nil
	}}
	alts := &Alternatives[string, string]{Items: []Transport[string, string]{tr}, CountBest: 1}

	var reply string
	var err error
	done := make(chan struct{})
	go func() {
		reply, err = lb.Send(context.Background(), alts, "req", false)
		close(done)
	}()
	waitResult(t, done)

	if err != nil || reply != "ok" {
		t.Fatalf("Send() = (%q, %v), want (\"ok\", nil)", reply, err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestLoadBalancer_FutureVersionRetries(t *testing.T) {
	mon := failuremonitor.New()
	knobs := DefaultKnobs()
	knobs.MaxBackoff = 5 * time.Millisecond
	lb := New[string, string](mon, nil, clock.Real{}, knobs)

	var attempts int32
	tr := &fakeTransport{ep: newEndpoint(1), fn: func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return "", ErrFutureVersion
		}
		return "ok", nil
	}}
	alts := &Alternatives[string, string]{Items: []Transport[string, string]{tr}, CountBest: 1}

	var reply string
	var err error
	done := make(chan struct{})
	go func() {
		reply, err = lb.Send(context.Background(), alts, "req", false)
		close(done)
	}()
	waitResult(t, done)

	if err != nil || reply != "ok" {
		t.Fatalf("Send() = (%q, %v), want (\"ok\", nil)", reply, err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2 (a single future_version reply must retry, not terminate the call)", got)
	}
}

func TestLoadBalancer_AllAlternativesFailedFreshReturnsImmediately(t *testing.T) {
	mon := failuremonitor.New()
	lb := New[string, string](mon, nil, clock.Real{}, DefaultKnobs())

	alts := &Alternatives[string, string]{Items: nil, CountBest: 0, Fresh: true}

	_, err := lb.Send(context.Background(), alts, "req", false)
	if err != ErrAllAlternativesFailed {
		t.Fatalf("err = %v, want ErrAllAlternativesFailed", err)
	}
}

func TestLoadBalancer_EmptyNonFreshBlocksUntilCancel(t *testing.T) {
	mon := failuremonitor.New()
	lb := New[string, string](mon, nil, clock.Real{}, DefaultKnobs())

	alts := &Alternatives[string, string]{Items: nil, CountBest: 0, Fresh: false}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		_, err = lb.Send(ctx, alts, "req", false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Send returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	waitResult(t, done)
	if err == nil {
		t.Fatalf("err = nil, want context.Canceled")
	}
}

func TestLoadBalancer_HedgesToSecondAlternative(t *testing.T) {
	mon := failuremonitor.New()
	knobs := DefaultKnobs()
	knobs.BaseSecondRequestTime = 5 * time.Millisecond
	qknobs := queuemodel.DefaultKnobs()
	qknobs.SecondBudgetGrowth = 1
	model := queuemodel.New(clock.Real{}, qknobs)
	// A fresh model has no hedge budget; one first-choice success earns
	// the single hedge this test relies on.
	model.OnFirstSuccess()
	lb := New[string, string](mon, model, clock.Real{}, knobs)

	blockForever := make(chan struct{})
	t.Cleanup(func() { close(blockForever) })
	slow := &fakeTransport{ep: newEndpoint(1), fn: func(ctx context.Context) (string, error) {
		select {
		case <-blockForever:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}}
	fast := &fakeTransport{ep: newEndpoint(2), fn: func(ctx context.Context) (string, error) { return "fast", nil }}

	alts := &Alternatives[string, string]{Items: []Transport[string, string]{slow, fast}, CountBest: 1}

	var reply string
	var err error
	done := make(chan struct{})
	go func() {
		reply, err = lb.Send(context.Background(), alts, "req", false)
		close(done)
	}()
	waitResult(t, done)

	if err != nil || reply != "fast" {
		t.Fatalf("Send() = (%q, %v), want (\"fast\", nil)", reply, err)
	}
}

// TestLoadBalancer_InstantHedgeWhenFirstIsMuchSlower exercises the
// hedging-policy formula directly: when the chosen endpoint's observed
// latency towers over the runner-up's, the hedge must fire immediately
// (secondDelay == 0) rather than waiting out the computed delay.
func TestLoadBalancer_InstantHedgeWhenFirstIsMuchSlower(t *testing.T) {
	mon := failuremonitor.New()
	knobs := DefaultKnobs()
	qknobs := queuemodel.DefaultKnobs()
	qknobs.SecondBudgetGrowth = 1
	model := queuemodel.New(clock.Real{}, qknobs)
	// A fresh model has no hedge budget; one first-choice success earns
	// the single hedge this test relies on.
	model.OnFirstSuccess()
	lb := New[string, string](mon, model, clock.Real{}, knobs)

	epA, epB := newEndpoint(1), newEndpoint(2)
	model.EndRequest(epA.Token, 500*time.Millisecond, -1, 0, true, false, false)
	model.EndRequest(epB.Token, 5*time.Millisecond, -1, 0, true, false, false)

	blockForever := make(chan struct{})
	t.Cleanup(func() { close(blockForever) })
	a := &fakeTransport{ep: epA, fn: func(ctx context.Context) (string, error) {
		select {
		case <-blockForever:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}}
	var bCalled int32
	b := &fakeTransport{ep: epB, fn: func(ctx context.Context) (string, error) {
		atomic.AddInt32(&bCalled, 1)
		return "fromB", nil
	}}

	alts := &Alternatives[string, string]{Items: []Transport[string, string]{a, b}, CountBest: 1}

	start := time.Now()
	var reply string
	var err error
	done := make(chan struct{})
	go func() {
		reply, err = lb.Send(context.Background(), alts, "req", false)
		close(done)
	}()
	waitResult(t, done)
	elapsed := time.Since(start)

	if err != nil || reply != "fromB" {
		t.Fatalf("Send() = (%q, %v), want (\"fromB\", nil)", reply, err)
	}
	if atomic.LoadInt32(&bCalled) != 1 {
		t.Fatalf("B was not dispatched to")
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("hedge did not fire immediately, took %s", elapsed)
	}
}
