package mmu

import (
	"sync"

	"github.com/tinyrange/uvm/internal/tlb"
)

const ngramOrder = 3

// predictor records N-gram page-access sequences per ASID and, on a match,
// returns up to M predicted next pages (§4.D "Optional advanced layer").
type predictor struct {
	mu      sync.Mutex
	ngrams  map[uint16]map[[ngramOrder]uint64][]uint64 // asid -> prefix -> followers seen
	history map[uint16][]uint64
	acc     map[uint16]*PredictionAccuracy
}

// PredictionAccuracy tracks post-hoc validation of predicted pages, per
// the original_source supplement in SPEC_FULL.md.
type PredictionAccuracy struct {
	Hits   int
	Misses int
}

func (a *PredictionAccuracy) Ratio() float64 {
	total := a.Hits + a.Misses
	if total == 0 {
		return 0
	}
	return float64(a.Hits) / float64(total)
}

func newPredictor() *predictor {
	return &predictor{
		ngrams:  make(map[uint16]map[[ngramOrder]uint64][]uint64),
		history: make(map[uint16][]uint64),
		acc:     make(map[uint16]*PredictionAccuracy),
	}
}

func (p *predictor) Record(asid uint16, vpn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := append(p.history[asid], vpn)
	if len(hist) > ngramOrder+8 {
		hist = hist[len(hist)-(ngramOrder+8):]
	}
	p.history[asid] = hist

	if len(hist) > ngramOrder {
		var prefix [ngramOrder]uint64
		copy(prefix[:], hist[len(hist)-ngramOrder-1:len(hist)-1])
		if p.ngrams[asid] == nil {
			p.ngrams[asid] = make(map[[ngramOrder]uint64][]uint64)
		}
		followers := p.ngrams[asid][prefix]
		followers = append(followers, vpn)
		if len(followers) > 16 {
			followers = followers[len(followers)-16:]
		}
		p.ngrams[asid][prefix] = followers
	}
}

// Predict returns up to m predicted next VPNs for asid based on the most
// recent ngramOrder accesses.
func (p *predictor) Predict(asid uint16, m int) []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := p.history[asid]
	if len(hist) < ngramOrder {
		return nil
	}
	var prefix [ngramOrder]uint64
	copy(prefix[:], hist[len(hist)-ngramOrder:])
	followers := p.ngrams[asid][prefix]
	if len(followers) == 0 {
		return nil
	}
	counts := make(map[uint64]int)
	for _, f := range followers {
		counts[f]++
	}
	type kv struct {
		vpn   uint64
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for vpn, c := range counts {
		ranked = append(ranked, kv{vpn, c})
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].count > ranked[j-1].count; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if m > len(ranked) {
		m = len(ranked)
	}
	out := make([]uint64, m)
	for i := 0; i < m; i++ {
		out[i] = ranked[i].vpn
	}
	return out
}

// Validate checks whether vpn was among the predictions made for asid
// before it, updating accuracy bookkeeping.
func (p *predictor) Validate(asid uint16, vpn uint64, wasPredicted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acc[asid] == nil {
		p.acc[asid] = &PredictionAccuracy{}
	}
	if wasPredicted {
		p.acc[asid].Hits++
	} else {
		p.acc[asid].Misses++
	}
}

func (p *predictor) Accuracy(asid uint16) PredictionAccuracy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.acc[asid]; a != nil {
		return *a
	}
	return PredictionAccuracy{}
}

// AdvancedFlush layers predictive and selective flush on a FlushManager.
type AdvancedFlush struct {
	pred             *predictor
	accuracyGate     float64
	hotProtectThresh int
}

func NewAdvancedFlush() *AdvancedFlush {
	return &AdvancedFlush{pred: newPredictor(), accuracyGate: 0.5, hotProtectThresh: 3}
}

// ObserveAccess feeds the predictor and validates any earlier prediction.
func (a *AdvancedFlush) ObserveAccess(asid uint16, vpn uint64, wasPredicted bool) {
	a.pred.Validate(asid, vpn, wasPredicted)
	a.pred.Record(asid, vpn)
}

// Predict returns up to m predicted next pages for asid, gated by the
// accuracy threshold: once accuracy drops below the gate, predictions are
// suppressed until enough fresh samples accumulate.
func (a *AdvancedFlush) Predict(asid uint16, m int) []uint64 {
	acc := a.pred.Accuracy(asid)
	if acc.Hits+acc.Misses >= 8 && acc.Ratio() < a.accuracyGate {
		return nil
	}
	return a.pred.Predict(asid, m)
}

// SelectiveExcludes returns the set of VPNs within req's range that should
// be protected from flushing because they are hot, when doing so would
// still leave the bulk of the range flushed (§4.D "selective flush:
// protect hot pages"). It returns nil when req isn't a range flush or when
// most of the range is hot (in which case flushing everything is simpler
// and no less correct).
func (a *AdvancedFlush) SelectiveExcludes(t tlb.TLB, req FlushRequest) map[uint64]struct{} {
	if req.Scope != ScopeRange {
		return nil
	}
	total := req.EndVPN - req.StartVPN
	if total == 0 {
		return nil
	}
	hot := make(map[uint64]struct{})
	for vpn := req.StartVPN; vpn < req.EndVPN; vpn++ {
		if e, ok := t.Lookup(vpn, req.ASID); ok && e.AccessCount >= uint64(a.hotProtectThresh) {
			hot[vpn] = struct{}{}
		}
	}
	if len(hot) == 0 || uint64(len(hot))*2 > total {
		return nil
	}
	return hot
}
