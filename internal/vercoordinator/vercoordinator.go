// Package vercoordinator allocates monotonically increasing commit
// versions to commit proxies in strict per-proxy FIFO order, tracks a
// monotone live-committed version, and serves recovery-data updates
// (spec §4.5).
package vercoordinator

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/types"
	"github.com/gyuho/fdbcore/pkg/xlog"
)

var logger = xlog.NewLogger("vercoordinator", xlog.INFO)

// invalidVersion is the sentinel liveCommittedVersion holds before the
// first report arrives or the first read after a recovery.
const invalidVersion int64 = -1

type proxyState struct {
	latestRequestNum *notifyCounter
	mu               sync.Mutex
	replies          map[int64]GetCommitVersionReply
}

// VersionCoordinator is the master-side version-allocation and
// live-committed-version tracking state machine.
type VersionCoordinator struct {
	mu    sync.Mutex
	clk   clock.Clock
	knobs Knobs
	rnd   *rand.Rand

	hasEmittedVersion          bool
	version                    int64
	lastVersionTime            time.Time
	lastEpochEnd               int64
	recoveryTransactionVersion int64
	referenceVersion           *int64

	minKnownCommittedVersion      int64
	databaseLocked                bool
	proxyMetadataVersion          []byte
	locality                      string
	reportLiveCommittedVersionReq int64

	liveCommitted *notifyCounter

	proxies    map[ProxyID]*proxyState
	resolution *ResolutionBalancer
}

// New returns a VersionCoordinator with no registered proxies; it will
// reject every GetCommitVersion call with ErrUnknownProxy until
// UpdateRecoveryData registers a commit-proxy set.
func New(clk clock.Clock, knobs Knobs) *VersionCoordinator {
	return &VersionCoordinator{
		clk:           clk,
		knobs:         knobs,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
		liveCommitted: newNotifyCounter(invalidVersion),
		proxies:       make(map[ProxyID]*proxyState),
		resolution:    newResolutionBalancer(),
	}
}

// Resolution returns the coordinator's resolution balancer, giving
// callers the current resolver/commit-proxy lists (spec §4.8).
func (vc *VersionCoordinator) Resolution() *ResolutionBalancer { return vc.resolution }

// GetCommitVersion implements the version-allocation contract of spec
// §4.5. Per-proxy requests are served in strict FIFO order by
// RequestNum; a cached reply is returned idempotently on replay, and a
// RequestNum that has fallen behind with no cached reply never replies
// (the caller observes ctx cancellation instead of an answer, since the
// proxy that sent it has by then moved on).
func (vc *VersionCoordinator) GetCommitVersion(ctx context.Context, req GetCommitVersionRequest) (GetCommitVersionReply, error) {
	vc.mu.Lock()
	ps, ok := vc.proxies[req.ProxyID]
	vc.mu.Unlock()
	if !ok {
		return GetCommitVersionReply{}, ErrUnknownProxy
	}

	if err := ps.latestRequestNum.WaitAtLeast(ctx, req.RequestNum-1); err != nil {
		return GetCommitVersionReply{}, err
	}

	ps.mu.Lock()
	if rep, ok := ps.replies[req.RequestNum]; ok {
		ps.mu.Unlock()
		return rep, nil
	}
	ps.mu.Unlock()

	if req.RequestNum <= ps.latestRequestNum.Value() {
		// Stale: this number was already passed and its cached reply
		// has since been evicted. The proxy that sent it has moved on;
		// there is nothing useful to reply with.
		<-ctx.Done()
		return GetCommitVersionReply{}, ctx.Err()
	}

	vc.mu.Lock()
	version, prevVersion := vc.nextVersionLocked()
	vc.mu.Unlock()

	rep := GetCommitVersionReply{Version: version, PrevVersion: prevVersion, RequestNum: req.RequestNum}

	ps.mu.Lock()
	ps.replies[req.RequestNum] = rep
	for k := range ps.replies {
		if k <= req.MostRecentProcessedRequestNum {
			delete(ps.replies, k)
		}
	}
	ps.mu.Unlock()

	ps.latestRequestNum.Bump(req.RequestNum)
	return rep, nil
}

// nextVersionLocked computes the next commit version to hand out. Must
// be called with vc.mu held.
func (vc *VersionCoordinator) nextVersionLocked() (version int64, prevVersion int64) {
	t := vc.clk.Now()

	if !vc.hasEmittedVersion {
		vc.version = vc.recoveryTransactionVersion
		vc.hasEmittedVersion = true
		vc.lastVersionTime = t
		return vc.version, vc.lastEpochEnd
	}

	prevVersion = vc.version

	elapsed := t.Sub(vc.lastVersionTime).Seconds()
	toAdd := int64(vc.knobs.VersionsPerSecond * elapsed)
	if toAdd < 1 {
		toAdd = 1
	}
	if toAdd > vc.knobs.MaxReadTransactionLifeVersions {
		toAdd = vc.knobs.MaxReadTransactionLifeVersions
	}

	if vc.referenceVersion != nil {
		nowSeconds := float64(t.UnixNano()) / 1e9
		expected := int64(nowSeconds*vc.knobs.VersionsPerSecond) - *vc.referenceVersion

		maxOffsetF := float64(toAdd) * vc.knobs.MaxVersionRateModifier
		if maxOffsetF > float64(vc.knobs.MaxVersionRateOffset) {
			maxOffsetF = float64(vc.knobs.MaxVersionRateOffset)
		}
		maxOffset := int64(maxOffsetF)

		lower := vc.version + toAdd - maxOffset
		if lower < vc.version+1 {
			lower = vc.version + 1
		}
		upper := vc.version + toAdd + maxOffset

		switch {
		case expected < lower:
			vc.version = lower
		case expected > upper:
			vc.version = upper
		default:
			vc.version = expected
		}
	} else {
		vc.version += toAdd
	}

	vc.lastVersionTime = t
	return vc.version, prevVersion
}

// UpdateLiveCommittedVersion folds one commit proxy's reported version
// into the coordinator's monotone liveCommittedVersion (spec §4.5). If
// PrevVersion is present, this call blocks until liveCommittedVersion
// has caught up to it, preserving causal order across reports.
func (vc *VersionCoordinator) UpdateLiveCommittedVersion(ctx context.Context, req ReportRawCommittedVersionRequest) error {
	vc.mu.Lock()
	if req.MinKnownCommittedVersion > vc.minKnownCommittedVersion {
		vc.minKnownCommittedVersion = req.MinKnownCommittedVersion
	}
	vc.reportLiveCommittedVersionReq++
	vc.mu.Unlock()

	if req.PrevVersion != nil {
		if err := vc.liveCommitted.WaitAtLeast(ctx, *req.PrevVersion); err != nil {
			return err
		}
	}

	if req.Version > vc.liveCommitted.Value() {
		vc.mu.Lock()
		vc.databaseLocked = req.Locked
		vc.proxyMetadataVersion = req.MetadataVersion
		vc.mu.Unlock()
		vc.liveCommitted.Bump(req.Version)
	}
	return nil
}

// GetLiveCommittedVersion returns the current read-committed snapshot,
// initializing liveCommittedVersion from recoveryTransactionVersion on
// first read after a recovery (spec §4.5).
func (vc *VersionCoordinator) GetLiveCommittedVersion() GetRawCommittedVersionReply {
	vc.mu.Lock()
	recoveryVersion := vc.recoveryTransactionVersion
	vc.mu.Unlock()

	version := vc.liveCommitted.InitIfBelow(invalidVersion, recoveryVersion)

	vc.mu.Lock()
	defer vc.mu.Unlock()
	return GetRawCommittedVersionReply{
		Version:                  version,
		Locked:                   vc.databaseLocked,
		MetadataVersion:          vc.proxyMetadataVersion,
		MinKnownCommittedVersion: vc.minKnownCommittedVersion,
	}
}

// UpdateRecoveryData installs a new recruitment generation's state:
// resets the commit-version sequence, re-registers the commit-proxy set
// with fresh (empty) reply caches, and installs the resolver/commit-proxy
// lists into the resolution balancer (spec §4.5). Callers serialize
// these calls: the coordinator's own fields are updated under its lock,
// but the resolution balancer is installed after that lock is released,
// so two concurrent calls can interleave.
func (vc *VersionCoordinator) UpdateRecoveryData(req UpdateRecoveryDataRequest) {
	proxies := make(map[ProxyID]*proxyState, len(req.CommitProxies))
	for _, p := range req.CommitProxies {
		proxies[p] = &proxyState{
			latestRequestNum: newNotifyCounter(0),
			replies:          make(map[int64]GetCommitVersionReply),
		}
	}

	vc.mu.Lock()
	vc.recoveryTransactionVersion = req.RecoveryTransactionVersion
	vc.lastEpochEnd = req.LastEpochEnd
	vc.hasEmittedVersion = false
	vc.proxies = proxies
	vc.locality = req.PrimaryLocality
	if req.VersionEpoch != nil {
		rv := *req.VersionEpoch
		vc.referenceVersion = &rv
	} else {
		rv := -vc.rnd.Int63n(1 << 40)
		vc.referenceVersion = &rv
	}
	vc.mu.Unlock()

	vc.resolution.Install(req.Resolvers, req.CommitProxies)

	ids := make(types.Uint64Slice, len(req.CommitProxies))
	for i, p := range req.CommitProxies {
		ids[i] = uint64(p)
	}
	sort.Sort(ids)
	logger.Infof("recovery data updated: commit proxies=%v, %d resolvers, epochEnd=%d", ids, len(req.Resolvers), req.LastEpochEnd)
}
