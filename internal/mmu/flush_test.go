package mmu

import (
	"testing"

	"github.com/tinyrange/uvm/internal/tlb"
)

// Adjacent range requests under FlushBatched must merge into a single
// entry before drain rather than executing as separate flushes (§8 named
// batched-flush-merge scenario).
func TestBatchedFlushMergesAdjacentRanges(t *testing.T) {
	basic := tlb.NewBasic(64)
	fm := NewFlushManager(basic, FlushBatched)
	fm.batchSize = 100 // keep maybeDrainBatch from auto-draining on depth

	fm.Submit(FlushRequest{Scope: ScopeRange, ASID: 0, StartVPN: 0, EndVPN: 4})
	fm.Submit(FlushRequest{Scope: ScopeRange, ASID: 0, StartVPN: 4, EndVPN: 8})

	fm.mu.Lock()
	depth := fm.pending.Len()
	fm.mu.Unlock()
	if depth != 1 {
		t.Fatalf("pending depth = %d, want 1 (adjacent ranges must merge)", depth)
	}

	stats := fm.Stats()
	if stats.MergedFlushes != 1 {
		t.Fatalf("MergedFlushes = %d, want 1", stats.MergedFlushes)
	}

	fm.drainAll()
	execStats := fm.Stats()
	if execStats.ExecutedFlush != 1 {
		t.Fatalf("ExecutedFlush = %d, want 1 (one merged flush executed)", execStats.ExecutedFlush)
	}
}

func TestImmediateFlushExecutesSynchronously(t *testing.T) {
	basic := tlb.NewBasic(64)
	basic.Insert(tlb.Entry{VPN: 1, ASID: 0})
	fm := NewFlushManager(basic, FlushImmediate)

	fm.Submit(FlushRequest{Scope: ScopePage, ASID: 0, StartVPN: 1})

	if _, ok := basic.Lookup(1, 0); ok {
		t.Fatal("page survived an immediate flush")
	}
	if fm.Stats().ExecutedFlush != 1 {
		t.Fatalf("ExecutedFlush = %d, want 1", fm.Stats().ExecutedFlush)
	}
}

func TestNonOverlappingRangesDoNotMerge(t *testing.T) {
	basic := tlb.NewBasic(64)
	fm := NewFlushManager(basic, FlushBatched)
	fm.batchSize = 100

	fm.Submit(FlushRequest{Scope: ScopeRange, ASID: 0, StartVPN: 0, EndVPN: 2})
	fm.Submit(FlushRequest{Scope: ScopeRange, ASID: 0, StartVPN: 100, EndVPN: 102})

	fm.mu.Lock()
	depth := fm.pending.Len()
	fm.mu.Unlock()
	if depth != 2 {
		t.Fatalf("pending depth = %d, want 2 (far-apart ranges must not merge)", depth)
	}
}

func TestForcedFlushBypassesMerge(t *testing.T) {
	basic := tlb.NewBasic(64)
	fm := NewFlushManager(basic, FlushBatched)
	fm.batchSize = 100

	fm.Submit(FlushRequest{Scope: ScopeRange, ASID: 0, StartVPN: 0, EndVPN: 4, Forced: true})

	fm.mu.Lock()
	depth := fm.pending.Len()
	fm.mu.Unlock()
	if depth != 1 {
		t.Fatalf("pending depth = %d, want 1 for a single forced request (still enqueued, never merged)", depth)
	}
}
