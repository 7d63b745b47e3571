package mmu

import (
	"sync"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/ptw"
	"github.com/tinyrange/uvm/internal/tlb"
)

const prefetchHistoryLen = 4

// Prefetcher maintains a short per-MMU access history and, on detecting a
// monotone stride within one page-size multiple, schedules up to K
// prefetch VPNs into a bounded queue (§4.D point 5).
type Prefetcher struct {
	mu      sync.Mutex
	mmu     *MMU
	k       int
	history [prefetchHistoryLen]uint64
	histLen int
	queue   []uint64
	maxQ    int
}

func NewPrefetcher(m *MMU, k int) *Prefetcher {
	return &Prefetcher{mmu: m, k: k, maxQ: k * 4}
}

// Observe records a completed translation's VPN and, if the last few
// accesses form a monotone stride, enqueues up to k future VPNs.
func (p *Prefetcher) Observe(vpn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.histLen < prefetchHistoryLen {
		p.history[p.histLen] = vpn
		p.histLen++
	} else {
		copy(p.history[:], p.history[1:])
		p.history[prefetchHistoryLen-1] = vpn
	}
	if p.histLen < 2 {
		return
	}

	stride := int64(p.history[p.histLen-1]) - int64(p.history[p.histLen-2])
	if stride == 0 {
		return
	}
	for i := p.histLen - 2; i > 0; i-- {
		if int64(p.history[i])-int64(p.history[i-1]) != stride {
			return // not monotone
		}
	}

	last := p.history[p.histLen-1]
	for i := 1; i <= p.k; i++ {
		next := int64(last) + stride*int64(i)
		if next < 0 {
			break
		}
		if len(p.queue) >= p.maxQ {
			break
		}
		p.queue = append(p.queue, uint64(next))
	}
}

// Drain opportunistically walks and inserts every queued VPN that is not
// already TLB-resident.
func (p *Prefetcher) Drain(w *ptw.Walker, asid uint16, isUser bool) {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, vpn := range pending {
		if _, ok := p.mmu.tlbImpl.Lookup(vpn, asid); ok {
			continue
		}
		va := archx.GuestAddr(vpn << archx.PageShift)
		res, err := w.Walk(va, archx.AccessRead, isUser, p.mmu.mem, p.mmu.ptCache)
		if err != nil {
			continue // speculative; faults are silently dropped
		}
		ppn := uint64(res.PA) >> archx.PageShift
		p.mmu.tlbImpl.Insert(tlb.Entry{VPN: vpn, PPN: ppn, Flags: res.Flags, ASID: asid, PrefetchMark: true})
	}
}
