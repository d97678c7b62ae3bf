// Package tagthrottler implements the GRV-proxy transaction-tag
// admission controller (spec §4.6): requests queue by tag, and
// ReleaseTransactions drains them across all tags in strict global FIFO
// order subject to each tag's independent rate budget.
package tagthrottler

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/gyuho/fdbcore/pkg/clock"
	"github.com/gyuho/fdbcore/pkg/idutil"
	"github.com/gyuho/fdbcore/pkg/xlog"
)

var logger = xlog.NewLogger("tagthrottler", xlog.INFO)

// tagHead orders tags in the release priority queue by the sequence
// number of the request currently at the front of their queue.
type tagHead struct {
	tag   string
	seqNo uint64
}

func (a *tagHead) Less(than btree.Item) bool {
	b := than.(*tagHead)
	if a.seqNo != b.seqNo {
		return a.seqNo < b.seqNo
	}
	return a.tag < b.tag
}

// TagThrottler is the GRV-proxy per-tag admission controller. The zero
// value is not usable; construct with New.
type TagThrottler struct {
	mu     sync.Mutex
	clk    clock.Clock
	seq    idutil.SeqGenerator
	queues map[string]*tagQueue
}

// New returns a TagThrottler with no tags configured (every tag is
// unlimited until UpdateRates gives it a rate).
func New(clk clock.Clock) *TagThrottler {
	return &TagThrottler{clk: clk, queues: make(map[string]*tagQueue)}
}

func (t *TagThrottler) queueFor(tag string) *tagQueue {
	q, ok := t.queues[tag]
	if !ok {
		q = &tagQueue{}
		t.queues[tag] = q
	}
	return q
}

// AddRequest enqueues req under its single throttling tag. A request
// carrying more than one tag has one chosen deterministically (the
// lexicographically smallest, matching the source's sorted
// TransactionTagMap iteration order) and a warning is logged.
func (t *TagThrottler) AddRequest(req Request) error {
	if req.Priority == PriorityImmediate {
		return ErrImmediatePriorityBypassesThrottler
	}
	if len(req.Tags) == 0 {
		return ErrNoTag
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tags := make([]string, 0, len(req.Tags))
	for tag := range req.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	tag := tags[0]

	if len(tags) > 1 {
		logger.Warningf("read-version request carries %d tags, throttling only on %q", len(tags), tag)
	}

	q := t.queueFor(tag)
	q.requests = append(q.requests, &delayedRequest{
		req:       req,
		tag:       tag,
		count:     req.Tags[tag],
		startTime: t.clk.Now(),
		seq:       t.seq.Next(),
	})
	return nil
}

// ReleaseTransactions drains as many queued requests as each tag's rate
// budget allows, in strict global FIFO order across tags interleaved by
// sequence number (spec §4.6). elapsed is the wall-clock time since the
// previous call, used to accrue each tag's rate budget.
func (t *TagThrottler) ReleaseTransactions(elapsed time.Duration) (batch, def []ReleasedRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsedSeconds := elapsed.Seconds()

	type tagState struct {
		queue    *tagQueue
		released uint32
	}
	states := make(map[string]*tagState, len(t.queues))

	pq := btree.New(32)
	for tag, q := range t.queues {
		if q.rate != nil {
			q.rate.startReleaseWindow(elapsedSeconds)
		}
		if len(q.requests) > 0 {
			states[tag] = &tagState{queue: q}
			pq.ReplaceOrInsert(&tagHead{tag: tag, seqNo: q.requests[0].seq})
		}
	}

	for pq.Len() > 0 {
		top := pq.DeleteMin().(*tagHead)
		st := states[top.tag]

		nextQueueSeqNo := uint64(math.MaxUint64)
		if pq.Len() > 0 {
			nextQueueSeqNo = pq.Min().(*tagHead).seqNo
		}

		for len(st.queue.requests) > 0 {
			head := st.queue.requests[0]
			if st.queue.rate != nil && !st.queue.rate.canStart(st.released, head.count) {
				break
			}
			if head.seq >= nextQueueSeqNo {
				pq.ReplaceOrInsert(&tagHead{tag: top.tag, seqNo: head.seq})
				break
			}

			st.released += head.count
			released := ReleasedRequest{Request: head.req, ThrottledDuration: t.clk.Now().Sub(head.startTime)}
			switch head.req.Priority {
			case PriorityBatch:
				batch = append(batch, released)
			default:
				def = append(def, released)
			}
			st.queue.requests = st.queue.requests[1:]
		}
	}

	for tag, st := range states {
		if t.queues[tag].rate != nil {
			t.queues[tag].rate.endReleaseWindow(st.released)
		}
	}
	return batch, def
}

// UpdateRates applies a new rate to every tag present in newRates,
// clears the rate (making it unlimited) for every existing tag absent
// from newRates, and garbage-collects tags that are both empty and
// unrated (spec §4.6).
func (t *TagThrottler) UpdateRates(newRates map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for tag, rate := range newRates {
		t.queueFor(tag).setRate(rate)
	}
	for tag, q := range t.queues {
		if _, ok := newRates[tag]; !ok {
			q.rate = nil
		}
	}
	for tag, q := range t.queues {
		if len(q.requests) == 0 && q.rate == nil {
			delete(t.queues, tag)
		}
	}
}

// Size returns the number of currently live tag queues.
func (t *TagThrottler) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}
