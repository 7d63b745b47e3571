package jit

import (
	"testing"
	"time"

	"github.com/tinyrange/uvm/internal/archx"
)

func TestClassifyGatedByMinExecutions(t *testing.T) {
	d := NewHotspotDetector(10, 2, 5)
	pc := archx.GuestAddr(0x2000)

	for i := 0; i < 4; i++ {
		d.Observe(pc, 1000)
	}
	if got := d.Classify(pc); got != Cold {
		t.Fatalf("Classify before min_executions = %v, want Cold", got)
	}

	for i := 0; i < 15; i++ {
		d.Observe(pc, 1000)
	}
	if got := d.Classify(pc); got == Cold {
		t.Fatalf("Classify after %d executions = Cold, want Warm or Hot", 15+4)
	}
}

func TestScoreMonotoneInExecutionCount(t *testing.T) {
	base := time.Unix(0, 0)
	d := NewHotspotDetector(10, 2, 1)
	d.now = func() time.Time { return base }

	pc := archx.GuestAddr(0x3000)
	var last float64
	for i := 0; i < 10; i++ {
		// Fixed per-call latency keeps avg_latency_us and age constant, so
		// only execution_count varies between iterations.
		d.Observe(pc, 10_000_000)
		score := d.Score(pc)
		if i > 0 && score < last {
			t.Fatalf("score decreased at iteration %d: %v < %v", i, score, last)
		}
		last = score
	}
}

func TestDeoptLengthensBackoff(t *testing.T) {
	base := time.Unix(0, 0)
	d := NewHotspotDetector(100, 10, 1)
	d.now = func() time.Time { return base }

	pc := archx.GuestAddr(0x4000)
	for i := 0; i < 20; i++ {
		d.Observe(pc, 1000)
	}
	before := d.Score(pc)

	d.RecordDeopt(pc)
	after := d.Score(pc)

	if after >= before {
		t.Fatalf("score after deopt = %v, want less than %v", after, before)
	}
}

func TestAdaptiveThresholdsNeverBelowBase(t *testing.T) {
	base := time.Unix(0, 0)
	d := NewHotspotDetector(50, 5, 1)
	d.now = func() time.Time { return base }
	d.adaptEvery = 0 // force every Observe to reconsider adaptation

	pc := archx.GuestAddr(0x5000)
	for i := 0; i < 50; i++ {
		d.Observe(pc, 10)
	}

	hot, cold := d.Thresholds()
	if hot < 50 {
		t.Fatalf("curHotThreshold = %d, fell below base 50", hot)
	}
	if cold < 5 {
		t.Fatalf("curColdThreshold = %d, fell below base 5", cold)
	}
}
