package mmu

import (
	"testing"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/tlb"
)

func TestPrefetcherObserveEnqueuesStrideFollowers(t *testing.T) {
	p := NewPrefetcher(nil, 2)
	p.Observe(10)
	p.Observe(11)

	if got := p.queue; len(got) != 2 || got[0] != 12 || got[1] != 13 {
		t.Fatalf("queue = %v, want [12 13] after a 2-sample stride-1 run", got)
	}
}

func TestPrefetcherObserveIgnoresZeroStride(t *testing.T) {
	p := NewPrefetcher(nil, 2)
	p.Observe(10)
	p.Observe(10)

	if len(p.queue) != 0 {
		t.Fatalf("queue = %v, want empty for a repeated (zero-stride) access", p.queue)
	}
}

func TestPrefetcherObserveStopsOnBrokenMonotonicity(t *testing.T) {
	p := NewPrefetcher(nil, 2)
	p.Observe(10)
	p.Observe(15) // stride 5, queues 20,25
	before := append([]uint64(nil), p.queue...)

	p.Observe(12) // breaks the established stride

	if len(p.queue) != len(before) {
		t.Fatalf("queue grew after a stride break: before=%v after=%v", before, p.queue)
	}
}

func TestPrefetcherQueueCapsAtMaxQ(t *testing.T) {
	p := NewPrefetcher(nil, 1) // maxQ = k*4 = 4
	for vpn := uint64(0); vpn < 10; vpn++ {
		p.Observe(vpn)
	}
	if len(p.queue) != 4 {
		t.Fatalf("queue len = %d, want capped at maxQ=4", len(p.queue))
	}
}

// gigapageSv39 writes a single root-level leaf PTE covering every vpn whose
// top-level index is 0, letting a test exercise a real Walk without
// constructing a full 3-level table.
func gigapageSv39(t *testing.T, m *MMU, base uint64, flags uint64) {
	t.Helper()
	const ppn = 0x40000 // low 18 bits zero, satisfies the gigapage alignment check
	pte := (uint64(ppn) << 10) | flags
	if err := m.mem.WriteU64(base, pte); err != nil {
		t.Fatalf("WriteU64 root PTE: %v", err)
	}
}

func TestPrefetcherDrainInsertsNonResidentTranslations(t *testing.T) {
	const root = 0x9000
	m := New(Config{MemorySize: 1 << 20, Mode: archx.PagingSv39, Base: root, TLBVariant: TLBBasic, TLBCapacity: 16, ASID: 1})
	gigapageSv39(t, m, root, 0x7) // V|R|W

	p := NewPrefetcher(m, 4)
	p.queue = []uint64{5, 6}

	p.Drain(m.walker, 1, false)

	for _, vpn := range []uint64{5, 6} {
		e, ok := m.tlbImpl.Lookup(vpn, 1)
		if !ok {
			t.Fatalf("vpn %d not inserted by Drain", vpn)
		}
		if !e.PrefetchMark {
			t.Fatalf("vpn %d inserted without PrefetchMark", vpn)
		}
	}
}

func TestPrefetcherDrainSkipsAlreadyResidentEntries(t *testing.T) {
	const root = 0x9000
	m := New(Config{MemorySize: 1 << 20, Mode: archx.PagingSv39, Base: root, TLBVariant: TLBBasic, TLBCapacity: 16, ASID: 1})
	gigapageSv39(t, m, root, 0x7)
	m.tlbImpl.Insert(tlb.Entry{VPN: 5, ASID: 1, PPN: 99, Flags: archx.PermRead})

	p := NewPrefetcher(m, 4)
	p.queue = []uint64{5}
	p.Drain(m.walker, 1, false)

	e, ok := m.tlbImpl.Lookup(5, 1)
	if !ok {
		t.Fatal("pre-existing entry vanished")
	}
	if e.PPN != 99 {
		t.Fatalf("Drain overwrote an already-resident entry: PPN=%d, want 99", e.PPN)
	}
}
