package vercoordinator

import (
	"context"
	"testing"
	"time"

	"github.com/gyuho/fdbcore/pkg/clock"
)

func newCoordinator(t *testing.T) (*VersionCoordinator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	vc := New(clk, DefaultKnobs())
	epoch := int64(0)
	vc.UpdateRecoveryData(UpdateRecoveryDataRequest{
		RecoveryTransactionVersion: 100,
		LastEpochEnd:               50,
		CommitProxies:              []ProxyID{1, 2},
		VersionEpoch:               &epoch,
	})
	return vc, clk
}

func TestVersionCoordinator_UnknownProxyRejected(t *testing.T) {
	vc, _ := newCoordinator(t)
	_, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 99, RequestNum: 1})
	if err != ErrUnknownProxy {
		t.Fatalf("err = %v, want ErrUnknownProxy", err)
	}
}

func TestVersionCoordinator_FirstVersionFromRecovery(t *testing.T) {
	vc, _ := newCoordinator(t)
	rep, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 1})
	if err != nil {
		t.Fatalf("GetCommitVersion: %v", err)
	}
	if rep.Version != 100 || rep.PrevVersion != 50 {
		t.Fatalf("rep = %+v, want Version=100 PrevVersion=50", rep)
	}
}

func TestVersionCoordinator_MonotoneSequencePerProxy(t *testing.T) {
	vc, clk := newCoordinator(t)

	rep1, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 1})
	if err != nil {
		t.Fatalf("GetCommitVersion#1: %v", err)
	}
	clk.Advance(time.Second)
	rep2, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 2, MostRecentProcessedRequestNum: 1})
	if err != nil {
		t.Fatalf("GetCommitVersion#2: %v", err)
	}
	if rep2.Version <= rep1.Version {
		t.Fatalf("rep2.Version = %d, want > rep1.Version = %d", rep2.Version, rep1.Version)
	}
	if rep2.PrevVersion != rep1.Version {
		t.Fatalf("rep2.PrevVersion = %d, want %d", rep2.PrevVersion, rep1.Version)
	}
}

func TestVersionCoordinator_ReplayReturnsCachedReply(t *testing.T) {
	vc, _ := newCoordinator(t)
	rep1, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 1})
	if err != nil {
		t.Fatalf("GetCommitVersion#1: %v", err)
	}
	rep2, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 1})
	if err != nil {
		t.Fatalf("GetCommitVersion replay: %v", err)
	}
	if rep1 != rep2 {
		t.Fatalf("replay returned %+v, want identical %+v", rep2, rep1)
	}
}

func TestVersionCoordinator_FIFOBlocksOutOfOrderRequestNum(t *testing.T) {
	vc, _ := newCoordinator(t)

	done := make(chan struct{})
	go func() {
		vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 2})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("RequestNum 2 served before RequestNum 1")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 1}); err != nil {
		t.Fatalf("GetCommitVersion#1: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RequestNum 2 never unblocked after RequestNum 1 served")
	}
}

func TestVersionCoordinator_StaleRequestNeverReplies(t *testing.T) {
	vc, _ := newCoordinator(t)

	if _, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 1}); err != nil {
		t.Fatalf("GetCommitVersion#1: %v", err)
	}
	// Advance past RequestNum 1 and evict its cache entry.
	if _, err := vc.GetCommitVersion(context.Background(), GetCommitVersionRequest{ProxyID: 1, RequestNum: 2, MostRecentProcessedRequestNum: 1}); err != nil {
		t.Fatalf("GetCommitVersion#2: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		_, err = vc.GetCommitVersion(ctx, GetCommitVersionRequest{ProxyID: 1, RequestNum: 1})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("stale RequestNum 1 replied, want it to block forever")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stale request never unblocked on cancellation")
	}
	if err == nil {
		t.Fatalf("err = nil, want context.Canceled")
	}
}

func TestVersionCoordinator_LiveCommittedVersionMonotone(t *testing.T) {
	vc, _ := newCoordinator(t)

	if err := vc.UpdateLiveCommittedVersion(context.Background(), ReportRawCommittedVersionRequest{Version: 200, MinKnownCommittedVersion: 10}); err != nil {
		t.Fatalf("UpdateLiveCommittedVersion#1: %v", err)
	}
	rep := vc.GetLiveCommittedVersion()
	if rep.Version != 200 {
		t.Fatalf("Version = %d, want 200", rep.Version)
	}

	// A smaller version must not move liveCommittedVersion backward.
	if err := vc.UpdateLiveCommittedVersion(context.Background(), ReportRawCommittedVersionRequest{Version: 150}); err != nil {
		t.Fatalf("UpdateLiveCommittedVersion#2: %v", err)
	}
	rep = vc.GetLiveCommittedVersion()
	if rep.Version != 200 {
		t.Fatalf("Version = %d after stale report, want still 200", rep.Version)
	}
}

func TestVersionCoordinator_LiveCommittedVersionWaitsOnPrevVersion(t *testing.T) {
	vc, _ := newCoordinator(t)

	prev := int64(300)
	done := make(chan struct{})
	go func() {
		vc.UpdateLiveCommittedVersion(context.Background(), ReportRawCommittedVersionRequest{Version: 310, PrevVersion: &prev})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("report with PrevVersion completed before liveCommittedVersion caught up")
	case <-time.After(20 * time.Millisecond):
	}

	if err := vc.UpdateLiveCommittedVersion(context.Background(), ReportRawCommittedVersionRequest{Version: 300}); err != nil {
		t.Fatalf("UpdateLiveCommittedVersion seed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiting report never unblocked once liveCommittedVersion reached PrevVersion")
	}
	if rep := vc.GetLiveCommittedVersion(); rep.Version != 310 {
		t.Fatalf("Version = %d, want 310", rep.Version)
	}
}

func TestVersionCoordinator_GetLiveCommittedVersionInitializesFromRecovery(t *testing.T) {
	vc, _ := newCoordinator(t)
	rep := vc.GetLiveCommittedVersion()
	if rep.Version != 100 {
		t.Fatalf("Version = %d, want 100 (recoveryTransactionVersion)", rep.Version)
	}
}

func TestVersionCoordinator_ResolutionBalancerReflectsRecoveryData(t *testing.T) {
	vc, _ := newCoordinator(t)
	if got := vc.Resolution().CommitProxies(); len(got) != 2 {
		t.Fatalf("CommitProxies() = %v, want 2 entries", got)
	}
}
