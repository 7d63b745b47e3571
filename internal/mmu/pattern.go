package mmu

import "sync"

// AccessPattern classifies the recent VPN access history for a flush
// scope (§4.D "Intelligent" strategy).
type AccessPattern int

const (
	PatternUnknown AccessPattern = iota
	PatternSequential
	PatternLocalized
	PatternRandom
)

// PatternAnalyzer tracks recent accesses per ASID and classifies the
// access pattern, feeding the Intelligent flush strategy's widen/narrow/
// skip decisions.
type PatternAnalyzer struct {
	mu      sync.Mutex
	enabled bool
	recent  map[uint16][]uint64 // ASID -> recent VPNs, bounded ring
	hotVPN  map[uint16]map[uint64]int
}

func NewPatternAnalyzer() *PatternAnalyzer {
	return &PatternAnalyzer{
		enabled: true,
		recent:  make(map[uint16][]uint64),
		hotVPN:  make(map[uint16]map[uint64]int),
	}
}

func (p *PatternAnalyzer) Enabled() bool { return p.enabled }
func (p *PatternAnalyzer) SetEnabled(v bool) { p.enabled = v }

const recentWindow = 16

// Record notes that req was executed, updating per-ASID heat counters.
func (p *PatternAnalyzer) Record(req FlushRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hotVPN[req.ASID] == nil {
		p.hotVPN[req.ASID] = make(map[uint64]int)
	}
	start, end := req.StartVPN, req.EndVPN
	if req.Scope == ScopePage {
		end = start + 1
	}
	for vpn := start; vpn < end && vpn < start+1024; vpn++ {
		delete(p.hotVPN[req.ASID], vpn) // flushed pages lose heat
	}
}

// Observe notes a translation hit, feeding the pattern classifier. The
// MMU calls it from Translate on every TLB hit (kept separate from
// Prefetcher's history for clarity of concerns even though both track VPN
// sequences).
func (p *PatternAnalyzer) Observe(asid uint16, vpn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hist := append(p.recent[asid], vpn)
	if len(hist) > recentWindow {
		hist = hist[len(hist)-recentWindow:]
	}
	p.recent[asid] = hist
	if p.hotVPN[asid] == nil {
		p.hotVPN[asid] = make(map[uint64]int)
	}
	p.hotVPN[asid][vpn]++
}

func (p *PatternAnalyzer) classifyLocked(asid uint16) AccessPattern {
	hist := p.recent[asid]
	if len(hist) < 3 {
		return PatternUnknown
	}
	stride := int64(hist[1]) - int64(hist[0])
	sequential := stride != 0
	spread := uint64(0)
	minV, maxV := hist[0], hist[0]
	for i := 1; i < len(hist); i++ {
		d := int64(hist[i]) - int64(hist[i-1])
		if d != stride {
			sequential = false
		}
		if hist[i] < minV {
			minV = hist[i]
		}
		if hist[i] > maxV {
			maxV = hist[i]
		}
	}
	spread = maxV - minV
	if sequential {
		return PatternSequential
	}
	if spread <= 8 {
		return PatternLocalized
	}
	return PatternRandom
}

// Decision is the Intelligent strategy's verdict for a single request.
type Decision struct {
	Skip        bool
	WidenScope  bool
	NarrowScope bool
}

func (d Decision) Rescope(req FlushRequest) FlushRequest {
	switch {
	case d.WidenScope && req.Scope == ScopeRange:
		req.Scope = ScopeASID
	case d.NarrowScope && req.Scope == ScopeASID:
		req.Scope = ScopeRange
	}
	return req
}

// Classify implements the §4.D Intelligent strategy's core decision:
// widen/narrow scope for Sequential/Localized "hot" pages, or skip
// entirely when the pages are imminently re-accessible.
func (p *PatternAnalyzer) Classify(req FlushRequest) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	pattern := p.classifyLocked(req.ASID)
	hotCount := 0
	total := 0
	start, end := req.StartVPN, req.EndVPN
	if req.Scope == ScopePage {
		end = start + 1
	}
	if req.Scope == ScopeASID || req.Scope == ScopeGlobal {
		for _, count := range p.hotVPN[req.ASID] {
			total++
			if count >= 3 {
				hotCount++
			}
		}
	} else {
		for vpn := start; vpn < end; vpn++ {
			total++
			if p.hotVPN[req.ASID][vpn] >= 3 {
				hotCount++
			}
		}
	}

	if total == 0 {
		return Decision{}
	}
	hotFraction := float64(hotCount) / float64(total)

	switch pattern {
	case PatternSequential:
		// Sequential hot pages are about to be re-walked anyway; a
		// non-forced flush of a small hot range can be skipped.
		if hotFraction > 0.6 && req.Scope == ScopeRange {
			return Decision{Skip: true}
		}
		return Decision{WidenScope: hotFraction > 0.8}
	case PatternLocalized:
		if hotFraction > 0.5 {
			return Decision{NarrowScope: true}
		}
		return Decision{}
	default:
		return Decision{}
	}
}
