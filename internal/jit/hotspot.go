package jit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/uvm/internal/archx"
)

// Temperature classifies a block's hotness (§4.F "hotspot detector").
type Temperature int

const (
	Cold Temperature = iota
	Warm
	Hot
)

// blockStats is the per-PC execution history the detector scores against.
type blockStats struct {
	count            atomicbitops.Uint64
	totalLatencyNs   atomicbitops.Uint64
	firstSeenUnixNs  int64
	deoptCount       atomicbitops.Uint64
	lastScore        float64
	mu               sync.Mutex
}

// HotspotDetector implements the §4.F scoring formula:
//
//	S = 0.5*(count/base_hot_threshold) + 0.3*(1e6/avg_latency_us) + 0.2*exp(-age_seconds/60)
//
// multiplied by a decay factor raised to log1p(count/100), and gates
// classification on min_executions. A block's deoptimization_count
// lengthens its re-promotion backoff, per the original_source
// hotspot_detector.rs supplement folded into SPEC_FULL.md.
type HotspotDetector struct {
	mu    sync.Mutex
	stats map[archx.GuestAddr]*blockStats

	baseHotThreshold  uint64
	baseColdThreshold uint64
	curHotThreshold   atomicbitops.Uint64
	curColdThreshold  atomicbitops.Uint64
	minExecutions     uint64
	decayFactor       float64

	lastAdapt time.Time
	adaptEvery time.Duration

	now    func() time.Time
	logger *slog.Logger
}

func NewHotspotDetector(baseHot, baseCold, minExecutions uint64) *HotspotDetector {
	d := &HotspotDetector{
		stats:             make(map[archx.GuestAddr]*blockStats),
		baseHotThreshold:  baseHot,
		baseColdThreshold: baseCold,
		minExecutions:     minExecutions,
		decayFactor:       0.98,
		adaptEvery:        5 * time.Second,
		now:               time.Now,
		logger:            slog.Default(),
	}
	d.curHotThreshold.Store(baseHot)
	d.curColdThreshold.Store(baseCold)
	return d
}

func (d *HotspotDetector) statsFor(pc archx.GuestAddr) *blockStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stats[pc]
	if !ok {
		s = &blockStats{firstSeenUnixNs: d.now().UnixNano()}
		d.stats[pc] = s
	}
	return s
}

// Observe records one execution of the block at pc taking latencyNs
// nanoseconds, then re-evaluates adaptive thresholds if due.
func (d *HotspotDetector) Observe(pc archx.GuestAddr, latencyNs uint64) {
	s := d.statsFor(pc)
	s.count.Add(1)
	s.totalLatencyNs.Add(latencyNs)
	d.maybeAdapt()
}

// RecordDeopt marks that a compiled block at pc was deoptimized back to
// the interpreter, lengthening its future re-promotion backoff.
func (d *HotspotDetector) RecordDeopt(pc archx.GuestAddr) {
	s := d.statsFor(pc)
	n := s.deoptCount.Add(1)
	d.logger.Warn("jit block deoptimized, lengthening re-promotion backoff", "pc", pc, "deopt_count", n)
}

// Score computes S for pc's current statistics.
func (d *HotspotDetector) Score(pc archx.GuestAddr) float64 {
	s := d.statsFor(pc)
	count := s.count.Load()
	if count == 0 {
		return 0
	}
	avgLatencyUs := float64(s.totalLatencyNs.Load()) / float64(count) / 1000.0
	if avgLatencyUs <= 0 {
		avgLatencyUs = 1
	}
	ageSeconds := float64(d.now().UnixNano()-s.firstSeenUnixNs) / 1e9
	if ageSeconds < 0 {
		ageSeconds = 0
	}

	hotThreshold := float64(d.curHotThreshold.Load())
	if hotThreshold == 0 {
		hotThreshold = 1
	}

	base := 0.5*(float64(count)/hotThreshold) +
		0.3*(1e6/avgLatencyUs) +
		0.2*math.Exp(-ageSeconds/60)

	score := base * math.Pow(d.decayFactor, math.Log1p(float64(count)/100))

	// Deoptimization backoff: every prior deopt raises the effective
	// re-promotion bar by damping the score, so a block that was wrong to
	// compile once needs a proportionally larger score to be recompiled.
	deopts := s.deoptCount.Load()
	if deopts > 0 {
		score /= 1 + float64(deopts)
	}

	s.mu.Lock()
	s.lastScore = score
	s.mu.Unlock()
	return score
}

// Classify returns the block's temperature, gated by min_executions: a
// block is never classified Hot/Warm until it has executed at least
// minExecutions times, however high its score would otherwise be.
//
// Hot and Cold each require both a count-threshold crossing and the
// corresponding fixed score cutoff (§4.F: count>=cur_hot_threshold &&
// S>=1.0 for Hot, count<=cur_cold_threshold && S<=0.1 for Cold); a count
// crossing alone or a score crossing alone is not enough.
func (d *HotspotDetector) Classify(pc archx.GuestAddr) Temperature {
	s := d.statsFor(pc)
	count := s.count.Load()
	if count < d.minExecutions {
		return Cold
	}
	score := d.Score(pc)
	switch {
	case count >= d.curHotThreshold.Load() && score >= 1.0:
		return Hot
	case count <= d.curColdThreshold.Load() && score <= 0.1:
		return Cold
	default:
		return Warm
	}
}

// maybeAdapt raises curHotThreshold/curColdThreshold periodically based on
// the population's average score, but never below the configured base
// values (§4.F "adaptive thresholds").
func (d *HotspotDetector) maybeAdapt() {
	d.mu.Lock()
	due := d.now().Sub(d.lastAdapt) >= d.adaptEvery
	if due {
		d.lastAdapt = d.now()
	}
	var all []*blockStats
	if due {
		for _, s := range d.stats {
			all = append(all, s)
		}
	}
	d.mu.Unlock()
	if !due || len(all) == 0 {
		return
	}

	var total float64
	for _, s := range all {
		s.mu.Lock()
		total += s.lastScore
		s.mu.Unlock()
	}
	avg := total / float64(len(all))

	newHot := d.baseHotThreshold
	newCold := d.baseColdThreshold
	if avg > 1.5 {
		// population running hot: raise the bar so fewer blocks qualify.
		newHot = uint64(float64(d.baseHotThreshold) * avg)
		newCold = uint64(float64(d.baseColdThreshold) * avg)
	}
	if newHot < d.baseHotThreshold {
		newHot = d.baseHotThreshold
	}
	if newCold < d.baseColdThreshold {
		newCold = d.baseColdThreshold
	}
	d.curHotThreshold.Store(newHot)
	d.curColdThreshold.Store(newCold)
}

func (d *HotspotDetector) Thresholds() (hot, cold uint64) {
	return d.curHotThreshold.Load(), d.curColdThreshold.Load()
}
