package mmu

import "github.com/tinyrange/uvm/internal/tlb"
import "testing"

func TestPredictorPredictsMostFrequentFollower(t *testing.T) {
	p := newPredictor()
	// prefix (1,2,3) is followed by 4 twice and 5 once; the trailing
	// 1,2,3 makes it the current context again for Predict.
	for _, seq := range [][]uint64{{1, 2, 3, 4}, {1, 2, 3, 4}, {1, 2, 3, 5}, {1, 2, 3}} {
		for _, vpn := range seq {
			p.Record(1, vpn)
		}
	}

	got := p.Predict(1, 1)
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("Predict = %v, want [4] as the most frequent follower", got)
	}
}

func TestPredictorReturnsNilBeforeEnoughHistory(t *testing.T) {
	p := newPredictor()
	p.Record(1, 1)
	if got := p.Predict(1, 1); got != nil {
		t.Fatalf("Predict with insufficient history = %v, want nil", got)
	}
}

func TestPredictionAccuracyRatio(t *testing.T) {
	a := &PredictionAccuracy{Hits: 3, Misses: 1}
	if got := a.Ratio(); got != 0.75 {
		t.Fatalf("Ratio = %v, want 0.75", got)
	}
	if (&PredictionAccuracy{}).Ratio() != 0 {
		t.Fatal("Ratio of no samples should be 0, not NaN or a panic")
	}
}

func TestAdvancedFlushPredictSuppressedBelowAccuracyGate(t *testing.T) {
	a := NewAdvancedFlush()
	// Feed the predictor a learnable pattern, then repeatedly tell it the
	// predictions were wrong until enough samples exist to gate on.
	for i := 0; i < 10; i++ {
		a.ObserveAccess(1, uint64(i%3), false)
	}
	if got := a.Predict(1, 1); got != nil {
		t.Fatalf("Predict = %v, want nil once accuracy gate trips", got)
	}
}

func TestSelectiveExcludesIgnoresNonRangeScope(t *testing.T) {
	a := NewAdvancedFlush()
	tl := tlb.NewBasic(16)
	got := a.SelectiveExcludes(tl, FlushRequest{Scope: ScopeGlobal})
	if got != nil {
		t.Fatalf("SelectiveExcludes for a non-range request = %v, want nil", got)
	}
}

func TestSelectiveExcludesProtectsMinorityHotPages(t *testing.T) {
	a := NewAdvancedFlush()
	tl := tlb.NewBasic(16)
	tl.Insert(tlb.Entry{VPN: 5, ASID: 1, PPN: 5, AccessCount: 10})
	for vpn := uint64(0); vpn < 10; vpn++ {
		if vpn == 5 {
			continue
		}
		tl.Insert(tlb.Entry{VPN: vpn, ASID: 1, PPN: vpn, AccessCount: 1})
	}

	got := a.SelectiveExcludes(tl, FlushRequest{Scope: ScopeRange, ASID: 1, StartVPN: 0, EndVPN: 10})
	if _, ok := got[5]; !ok || len(got) != 1 {
		t.Fatalf("SelectiveExcludes = %v, want exactly {5}", got)
	}
}

func TestSelectiveExcludesNilWhenMostOfRangeIsHot(t *testing.T) {
	a := NewAdvancedFlush()
	tl := tlb.NewBasic(16)
	for vpn := uint64(0); vpn < 10; vpn++ {
		tl.Insert(tlb.Entry{VPN: vpn, ASID: 1, PPN: vpn, AccessCount: 10})
	}

	got := a.SelectiveExcludes(tl, FlushRequest{Scope: ScopeRange, ASID: 1, StartVPN: 0, EndVPN: 10})
	if got != nil {
		t.Fatalf("SelectiveExcludes = %v, want nil when most of the range is hot", got)
	}
}
