package mmu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"

	"github.com/tinyrange/uvm/internal/tlb"
)

// FlushStrategy selects one of the five TLB-flush drain policies (§4.D).
type FlushStrategy int

const (
	FlushImmediate FlushStrategy = iota
	FlushDelayed
	FlushBatched
	FlushIntelligent
	FlushAdaptive
)

// ScopeKind distinguishes the breadth of a flush request.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeASID
	ScopeRange
	ScopePage
)

// FlushRequest describes one TLB invalidation request.
type FlushRequest struct {
	Scope    ScopeKind
	ASID     uint16
	StartVPN uint64
	EndVPN   uint64 // exclusive; meaningful for ScopeRange
	Priority uint32
	Forced   bool
}

func (r FlushRequest) coversVPN(vpn uint64) bool {
	switch r.Scope {
	case ScopeGlobal:
		return true
	case ScopeASID:
		return true
	case ScopeRange:
		return vpn >= r.StartVPN && vpn < r.EndVPN
	case ScopePage:
		return vpn == r.StartVPN
	}
	return false
}

// btree item ordering requests' by start VPN for range-merge scans.
type rangeItem struct {
	FlushRequest
}

func (a rangeItem) Less(than btree.Item) bool {
	b := than.(rangeItem)
	if a.ASID != b.ASID {
		return a.ASID < b.ASID
	}
	return a.StartVPN < b.StartVPN
}

// FlushManagerStats are exposed for testing and for the Intelligent/
// Adaptive strategies' decisions.
type FlushManagerStats struct {
	mu             sync.Mutex
	MergedFlushes  int
	SkippedFlushes int
	ExecutedFlush  int
}

func (s *FlushManagerStats) snapshot() FlushManagerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FlushManagerStats{MergedFlushes: s.MergedFlushes, SkippedFlushes: s.SkippedFlushes, ExecutedFlush: s.ExecutedFlush}
}

// FlushManager layers flush-strategy selection on top of a TLB (§4.D "TLB
// flush manager").
type FlushManager struct {
	tlb      tlb.TLB
	strategy FlushStrategy

	mu      sync.Mutex
	pending *btree.BTree
	limiter *rate.Limiter

	batchSize    int
	batchTimeout time.Duration
	delay        time.Duration

	analyzer  *PatternAnalyzer
	advanced  *AdvancedFlush
	stats     FlushManagerStats
	logger    *slog.Logger

	drainOnce sync.Once
	stopCh    chan struct{}
}

// NewFlushManager constructs a manager over tlbImpl using strategy. Batch
// timeout defaults to 10ms (§5 "Cancellation and timeouts").
func NewFlushManager(tlbImpl tlb.TLB, strategy FlushStrategy) *FlushManager {
	return &FlushManager{
		tlb:          tlbImpl,
		strategy:     strategy,
		pending:      btree.New(16),
		limiter:      rate.NewLimiter(rate.Limit(100), 10),
		batchSize:    8,
		batchTimeout: 10 * time.Millisecond,
		delay:        5 * time.Millisecond,
		analyzer:     NewPatternAnalyzer(),
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
	}
}

// EnableAdvanced turns on predictive and selective flush (§4.D "Optional
// advanced layer").
func (fm *FlushManager) EnableAdvanced() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.advanced = NewAdvancedFlush()
}

// Submit enqueues or synchronously executes req depending on strategy.
func (fm *FlushManager) Submit(req FlushRequest) {
	switch fm.effectiveStrategy() {
	case FlushImmediate:
		fm.execute(req)
	case FlushDelayed:
		fm.enqueue(req)
		go fm.delayedDrain()
	case FlushBatched:
		fm.enqueue(req)
		fm.maybeDrainBatch()
	case FlushIntelligent:
		fm.submitIntelligent(req)
	}
}

func (fm *FlushManager) effectiveStrategy() FlushStrategy {
	if fm.strategy != FlushAdaptive {
		return fm.strategy
	}
	fm.mu.Lock()
	depth := fm.pending.Len()
	fm.mu.Unlock()
	stats := fm.stats.snapshot()
	skipRate := 0.0
	total := stats.SkippedFlushes + stats.ExecutedFlush
	if total > 0 {
		skipRate = float64(stats.SkippedFlushes) / float64(total)
	}
	switch {
	case fm.analyzer != nil && fm.analyzer.Enabled() && skipRate > 0.3:
		return FlushIntelligent
	case depth >= fm.batchSize:
		return FlushBatched
	case depth > 0:
		return FlushDelayed
	case !fm.limiter.Allow():
		// Token bucket exhausted: back off from Immediate so a burst of
		// unrelated requests gets folded into one batched drain instead of
		// hammering the TLB one flush at a time.
		return FlushBatched
	default:
		return FlushImmediate
	}
}

func (fm *FlushManager) submitIntelligent(req FlushRequest) {
	if req.Forced {
		fm.execute(req)
		return
	}
	decision := fm.analyzer.Classify(req)
	if decision.Skip {
		fm.stats.mu.Lock()
		fm.stats.SkippedFlushes++
		fm.stats.mu.Unlock()
		return
	}
	req = decision.Rescope(req)
	fm.execute(req)
}

func (fm *FlushManager) enqueue(req FlushRequest) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	merged := fm.mergeLocked(req)
	fm.pending.ReplaceOrInsert(rangeItem{merged})
}

// mergeLocked folds req into an overlapping/adjacent pending request of
// the same ASID and scope kind, per §4.D batch-merging rules. Caller
// holds fm.mu.
func (fm *FlushManager) mergeLocked(req FlushRequest) FlushRequest {
	if req.Forced || req.Scope != ScopeRange {
		return req
	}
	var toRemove []btree.Item
	merged := req
	fm.pending.AscendRange(
		rangeItem{FlushRequest{ASID: req.ASID, StartVPN: 0}},
		rangeItem{FlushRequest{ASID: req.ASID + 1, StartVPN: 0}},
		func(item btree.Item) bool {
			cand := item.(rangeItem).FlushRequest
			if cand.Forced || cand.Scope != ScopeRange || cand.ASID != req.ASID {
				return true
			}
			if overlapsOrAdjacent(merged, cand) {
				merged = unionRequests(merged, cand)
				toRemove = append(toRemove, item)
			}
			return true
		},
	)
	if len(toRemove) > 0 {
		for _, it := range toRemove {
			fm.pending.Delete(it)
		}
		fm.stats.mu.Lock()
		fm.stats.MergedFlushes++
		fm.stats.mu.Unlock()
	}
	return merged
}

func overlapsOrAdjacent(a, b FlushRequest) bool {
	const pageGap = 1 // within one page
	return a.StartVPN <= b.EndVPN+pageGap && b.StartVPN <= a.EndVPN+pageGap
}

func unionRequests(a, b FlushRequest) FlushRequest {
	out := a
	if b.StartVPN < out.StartVPN {
		out.StartVPN = b.StartVPN
	}
	if b.EndVPN > out.EndVPN {
		out.EndVPN = b.EndVPN
	}
	if b.Priority > out.Priority {
		out.Priority = b.Priority
	}
	return out
}

func (fm *FlushManager) maybeDrainBatch() {
	fm.mu.Lock()
	depth := fm.pending.Len()
	fm.mu.Unlock()
	if depth >= fm.batchSize {
		fm.drainAll()
		return
	}
	time.AfterFunc(fm.batchTimeout, fm.drainAll)
}

func (fm *FlushManager) delayedDrain() {
	select {
	case <-time.After(fm.delay):
		fm.drainAll()
	case <-fm.stopCh:
	}
}

func (fm *FlushManager) drainAll() {
	fm.mu.Lock()
	items := make([]FlushRequest, 0, fm.pending.Len())
	fm.pending.Ascend(func(item btree.Item) bool {
		items = append(items, item.(rangeItem).FlushRequest)
		return true
	})
	fm.pending.Clear(false)
	fm.mu.Unlock()

	for _, req := range items {
		if !req.Forced {
			_ = fm.limiter.Wait(context.Background())
		}
		fm.execute(req)
	}
}

func (fm *FlushManager) execute(req FlushRequest) {
	var excludes map[uint64]struct{}
	if fm.advanced != nil && !req.Forced {
		excludes = fm.advanced.SelectiveExcludes(fm.tlb, req)
	}
	switch req.Scope {
	case ScopeGlobal:
		fm.tlb.FlushAll()
	case ScopeASID:
		fm.tlb.FlushASID(req.ASID)
	case ScopeRange:
		for vpn := req.StartVPN; vpn < req.EndVPN; vpn++ {
			if _, protected := excludes[vpn]; protected {
				continue
			}
			fm.tlb.FlushPage(vpn, req.ASID)
		}
	case ScopePage:
		fm.tlb.FlushPage(req.StartVPN, req.ASID)
	}
	fm.logger.Debug("tlb flush executed", "scope", req.Scope, "asid", req.ASID, "start_vpn", req.StartVPN, "end_vpn", req.EndVPN, "excluded", len(excludes))
	if fm.analyzer != nil {
		fm.analyzer.Record(req)
	}
	fm.stats.mu.Lock()
	fm.stats.ExecutedFlush++
	fm.stats.mu.Unlock()
}

func (fm *FlushManager) Stats() FlushManagerStats { return fm.stats.snapshot() }

// Drain forces any queued requests to execute immediately, used on VM
// shutdown (§5 "Cancellation and timeouts").
func (fm *FlushManager) Drain(ctx context.Context) {
	fm.drainAll()
}

func (fm *FlushManager) Close() {
	fm.drainOnce.Do(func() { close(fm.stopCh) })
}
