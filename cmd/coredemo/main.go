// Command coredemo wires a VersionCoordinator, a TagThrottler, and a
// LoadBalancer together, with the load balancer dispatching to a single
// in-process transport that calls the coordinator directly, to exercise
// the three subsystems end to end the way a commit proxy would.
package main

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/gyuho/fdbcore/internal/failuremonitor"
	"github.com/gyuho/fdbcore/internal/loadbalance"
	"github.com/gyuho/fdbcore/internal/queuemodel"
	"github.com/gyuho/fdbcore/internal/tagthrottler"
	"github.com/gyuho/fdbcore/internal/vercoordinator"
	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/endpoint"
	"github.com/gyuho/fdbcore/pkg/osutil"
	"github.com/gyuho/fdbcore/pkg/types"
	"github.com/gyuho/fdbcore/pkg/xlog"
)

var logger = xlog.NewLogger("coredemo", xlog.INFO)

func init() {
	xlog.SetGlobalMaxLogLevel(xlog.INFO)
}

// resolverURLs stands in for a cluster config file naming the resolver
// processes a commit proxy would talk to.
var resolverURLs = []string{
	"http://localhost:4500",
	"http://localhost:4501",
}

const numSimulatedProxies = 3

func main() {
	resolvers, err := types.NewURLs(resolverURLs)
	if err != nil {
		logger.Fatalf("invalid resolver URLs: %v", err)
	}

	resolverEndpoints := make([]endpoint.Endpoint, len(resolvers))
	for i, u := range resolvers {
		resolverEndpoints[i] = endpoint.Endpoint{Address: u.String(), Token: uint64(i + 1)}
	}

	clk := clock.Real{}

	vc := vercoordinator.New(clk, vercoordinator.DefaultKnobs())
	commitProxies := make([]vercoordinator.ProxyID, numSimulatedProxies)
	for i := range commitProxies {
		commitProxies[i] = vercoordinator.ProxyID(i + 1)
	}
	vc.UpdateRecoveryData(vercoordinator.UpdateRecoveryDataRequest{
		RecoveryTransactionVersion: 1000,
		LastEpochEnd:               1000,
		CommitProxies:              commitProxies,
		Resolvers:                  resolverEndpoints,
		PrimaryLocality:            "dc1",
	})

	th := tagthrottler.New(clk)
	th.UpdateRates(map[string]float64{"user-a": 50, "user-b": 50})

	failureMon := failuremonitor.New()
	model := queuemodel.New(clk, queuemodel.DefaultKnobs())
	lb := loadbalance.New[vercoordinator.GetCommitVersionRequest, vercoordinator.GetCommitVersionReply](
		failureMon, model, clk, loadbalance.DefaultKnobs())

	alts := &loadbalance.Alternatives[vercoordinator.GetCommitVersionRequest, vercoordinator.GetCommitVersionReply]{
		Items: []loadbalance.Transport[vercoordinator.GetCommitVersionRequest, vercoordinator.GetCommitVersionReply]{
			&localTransport{ep: endpoint.Endpoint{Address: "inproc-master", Token: 1}, vc: vc},
		},
		CountBest: 1,
		Fresh:     true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	osutil.RegisterInterruptHandler(func() { cancel() })
	osutil.WaitForInterruptSignals(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runReleaseLoop(ctx, th)
	}()

	for i := 0; i < numSimulatedProxies; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runProxy(ctx, th, lb, alts, vercoordinator.ProxyID(n+1), n)
		}(i)
	}

	wg.Wait()
	logger.Infof("coredemo exiting")
}

// runReleaseLoop periodically drains whatever the throttler has admitted,
// the way a GRV proxy's run loop polls its own admission queue.
func runReleaseLoop(ctx context.Context, th *tagthrottler.TagThrottler) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			batch, def := th.ReleaseTransactions(now.Sub(last))
			last = now
			for _, r := range append(batch, def...) {
				logger.Infof("admitted %v after %s queued", r.Request.Payload, r.ThrottledDuration)
			}
		}
	}
}

// runProxy simulates one commit proxy issuing a steady stream of tagged
// read-version requests through the throttler, then fetching commit
// versions in strict per-proxy sequence.
func runProxy(ctx context.Context, th *tagthrottler.TagThrottler, lb *loadbalance.LoadBalancer[vercoordinator.GetCommitVersionRequest, vercoordinator.GetCommitVersionReply], alts *loadbalance.Alternatives[vercoordinator.GetCommitVersionRequest, vercoordinator.GetCommitVersionReply], proxyID vercoordinator.ProxyID, n int) {
	ticker := time.NewTicker(30 * time.Millisecond)
	defer ticker.Stop()

	var requestNum int64
	var mostRecentProcessed int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tag := fmt.Sprintf("user-%c", 'a'+rune(n%2))
		if err := th.AddRequest(tagthrottler.Request{
			Tags:     map[string]uint32{tag: 1},
			Priority: tagthrottler.PriorityDefault,
			Payload:  fmt.Sprintf("proxy-%d-req-%d", proxyID, requestNum),
		}); err != nil {
			logger.Warningf("proxy %d: AddRequest: %v", proxyID, err)
			continue
		}

		requestNum++
		rep, err := lb.Send(ctx, alts, vercoordinator.GetCommitVersionRequest{
			ProxyID:                       proxyID,
			RequestNum:                    requestNum,
			MostRecentProcessedRequestNum: mostRecentProcessed,
		}, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warningf("proxy %d: GetCommitVersion: %v", proxyID, err)
			continue
		}
		mostRecentProcessed = requestNum
		logger.Infof("proxy %d: commit version %d (prev %d)", proxyID, rep.Version, rep.PrevVersion)
	}
}

// localTransport routes GetCommitVersion requests directly to an in-process
// VersionCoordinator, standing in for the network RPC a real commit proxy
// would issue to the cluster's master process.
type localTransport struct {
	ep endpoint.Endpoint
	vc *vercoordinator.VersionCoordinator
}

func (t *localTransport) Endpoint() endpoint.Endpoint { return t.ep }

func (t *localTransport) TryGetReply(ctx context.Context, req vercoordinator.GetCommitVersionRequest) (vercoordinator.GetCommitVersionReply, error) {
	return t.vc.GetCommitVersion(ctx, req)
}
