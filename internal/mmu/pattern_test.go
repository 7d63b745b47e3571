package mmu

import "testing"

func TestPatternAnalyzerClassifyLockedUnknownBeforeEnoughHistory(t *testing.T) {
	p := NewPatternAnalyzer()
	p.Observe(1, 10)
	p.Observe(1, 11)
	if got := p.classifyLocked(1); got != PatternUnknown {
		t.Fatalf("classifyLocked with 2 samples = %v, want PatternUnknown", got)
	}
}

func TestPatternAnalyzerClassifyLockedSequential(t *testing.T) {
	p := NewPatternAnalyzer()
	for _, vpn := range []uint64{10, 11, 12, 13} {
		p.Observe(1, vpn)
	}
	if got := p.classifyLocked(1); got != PatternSequential {
		t.Fatalf("classifyLocked on a constant-stride walk = %v, want PatternSequential", got)
	}
}

func TestPatternAnalyzerClassifyLockedLocalized(t *testing.T) {
	p := NewPatternAnalyzer()
	for _, vpn := range []uint64{10, 12, 9, 11, 10} {
		p.Observe(1, vpn)
	}
	if got := p.classifyLocked(1); got != PatternLocalized {
		t.Fatalf("classifyLocked on a tight non-monotonic walk = %v, want PatternLocalized", got)
	}
}

func TestPatternAnalyzerClassifyLockedRandom(t *testing.T) {
	p := NewPatternAnalyzer()
	for _, vpn := range []uint64{0, 500, 3, 800, 12} {
		p.Observe(1, vpn)
	}
	if got := p.classifyLocked(1); got != PatternRandom {
		t.Fatalf("classifyLocked on a wide scatter = %v, want PatternRandom", got)
	}
}

func TestPatternAnalyzerRecordClearsHotCounts(t *testing.T) {
	p := NewPatternAnalyzer()
	for i := 0; i < 3; i++ {
		p.Observe(1, 10)
		p.Observe(1, 11)
	}
	if p.hotVPN[1][10] < 3 {
		t.Fatalf("hotVPN[1][10] = %d, want >= 3 before Record", p.hotVPN[1][10])
	}

	p.Record(FlushRequest{Scope: ScopeRange, ASID: 1, StartVPN: 10, EndVPN: 12})

	if _, ok := p.hotVPN[1][10]; ok {
		t.Fatal("Record did not clear heat for a flushed vpn")
	}
}

func TestDecisionRescopeWidensAndNarrowsScope(t *testing.T) {
	widened := Decision{WidenScope: true}.Rescope(FlushRequest{Scope: ScopeRange})
	if widened.Scope != ScopeASID {
		t.Fatalf("widened scope = %v, want ScopeASID", widened.Scope)
	}

	narrowed := Decision{NarrowScope: true}.Rescope(FlushRequest{Scope: ScopeASID})
	if narrowed.Scope != ScopeRange {
		t.Fatalf("narrowed scope = %v, want ScopeRange", narrowed.Scope)
	}
}

func TestClassifySkipsSequentialMostlyHotRange(t *testing.T) {
	p := NewPatternAnalyzer()
	p.recent[1] = []uint64{10, 11, 12, 13}
	p.hotVPN[1] = map[uint64]int{10: 3, 11: 3, 12: 3, 13: 3}

	d := p.Classify(FlushRequest{Scope: ScopeRange, ASID: 1, StartVPN: 10, EndVPN: 14})
	if !d.Skip {
		t.Fatalf("Classify = %+v, want Skip for a mostly-hot sequential range", d)
	}
}

func TestClassifyWidensSequentialVeryHotASIDScope(t *testing.T) {
	p := NewPatternAnalyzer()
	p.recent[1] = []uint64{10, 11, 12, 13}
	p.hotVPN[1] = map[uint64]int{10: 3, 11: 3, 12: 3, 13: 3}

	d := p.Classify(FlushRequest{Scope: ScopeASID, ASID: 1})
	if !d.WidenScope || d.Skip {
		t.Fatalf("Classify = %+v, want WidenScope only for an all-hot ASID-scope sequential pattern", d)
	}
}

func TestClassifyNarrowsLocalizedMostlyHot(t *testing.T) {
	p := NewPatternAnalyzer()
	p.recent[1] = []uint64{10, 12, 9, 11, 10}
	p.hotVPN[1] = map[uint64]int{10: 3, 11: 3, 12: 3}

	d := p.Classify(FlushRequest{Scope: ScopeRange, ASID: 1, StartVPN: 9, EndVPN: 13})
	if !d.NarrowScope {
		t.Fatalf("Classify = %+v, want NarrowScope for a mostly-hot localized range", d)
	}
}
