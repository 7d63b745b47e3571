// Package tlb implements the three interchangeable TLB hierarchy variants
// described in §4.C: Basic, Multi-level (L1/L2/L3 with promotion/demotion),
// and Concurrent (sharded + lock-free fast path). All three satisfy the
// same TLB interface so the MMU (internal/mmu) can select one at
// construction without caring which.
package tlb

import (
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/uvm/internal/archx"
)

// Key identifies a translation by virtual page number and address space.
type Key struct {
	VPN  uint64
	ASID uint16
}

// Entry is a cached (VPN,ASID)→(PPN,flags) translation (§3 "TLB Entry").
type Entry struct {
	VPN             uint64
	PPN             uint64
	Flags           archx.PermFlags
	ASID            uint16
	AccessCount     uint64
	LastAccessNanos int64
	FrequencyWeight float64
	PrefetchMark    bool
	HotMark         bool
}

// Stats are the atomic counters every variant exposes (§4.C "stats").
type Stats struct {
	Hits        atomicbitops.Uint64
	Misses      atomicbitops.Uint64
	Insertions  atomicbitops.Uint64
	Evictions   atomicbitops.Uint64
	Promotions  atomicbitops.Uint64
	Demotions   atomicbitops.Uint64
	FlushAll    atomicbitops.Uint64
	FlushASID   atomicbitops.Uint64
	FlushPage   atomicbitops.Uint64
}

// Snapshot is a point-in-time copy of Stats safe to hand to a caller.
type Snapshot struct {
	Hits, Misses, Insertions, Evictions, Promotions, Demotions uint64
	FlushAll, FlushASID, FlushPage                             uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:       s.Hits.Load(),
		Misses:     s.Misses.Load(),
		Insertions: s.Insertions.Load(),
		Evictions:  s.Evictions.Load(),
		Promotions: s.Promotions.Load(),
		Demotions:  s.Demotions.Load(),
		FlushAll:   s.FlushAll.Load(),
		FlushASID:  s.FlushASID.Load(),
		FlushPage:  s.FlushPage.Load(),
	}
}

// TLB is the contract every variant implements (§4.C).
type TLB interface {
	Lookup(vpn uint64, asid uint16) (Entry, bool)
	Insert(e Entry)
	FlushAll()
	FlushASID(asid uint16)
	FlushPage(vpn uint64, asid uint16)
	Stats() Snapshot
}

func nowNanos() int64 { return time.Now().UnixNano() }
