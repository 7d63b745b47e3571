package tlb

import "gvisor.dev/gvisor/pkg/sync"

// Basic is a single hashmap keyed by (vpn,asid), with a full flush on
// overflow rather than individual LRU eviction (§4.C "Basic").
type Basic struct {
	mu       sync.RWMutex
	entries  map[Key]Entry
	order    []Key // insertion order, approximating LRU-on-overflow
	capacity int
	stats    Stats
}

func NewBasic(capacity int) *Basic {
	return &Basic{
		entries:  make(map[Key]Entry, capacity),
		capacity: capacity,
	}
}

func (b *Basic) Lookup(vpn uint64, asid uint16) (Entry, bool) {
	b.mu.RLock()
	e, ok := b.entries[Key{VPN: vpn, ASID: asid}]
	b.mu.RUnlock()
	if ok {
		b.stats.Hits.Add(1)
	} else {
		b.stats.Misses.Add(1)
	}
	return e, ok
}

func (b *Basic) Insert(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := Key{VPN: e.VPN, ASID: e.ASID}
	if _, exists := b.entries[key]; !exists && len(b.entries) >= b.capacity {
		// Overflow: flush everything rather than track per-entry LRU.
		b.entries = make(map[Key]Entry, b.capacity)
		b.order = b.order[:0]
		b.stats.Evictions.Add(1)
	}
	if _, exists := b.entries[key]; !exists {
		b.order = append(b.order, key)
	}
	b.entries[key] = e
	b.stats.Insertions.Add(1)
}

func (b *Basic) FlushAll() {
	b.mu.Lock()
	b.entries = make(map[Key]Entry, b.capacity)
	b.order = b.order[:0]
	b.mu.Unlock()
	b.stats.FlushAll.Add(1)
}

func (b *Basic) FlushASID(asid uint16) {
	b.mu.Lock()
	for k := range b.entries {
		if k.ASID == asid {
			delete(b.entries, k)
		}
	}
	b.mu.Unlock()
	b.stats.FlushASID.Add(1)
}

func (b *Basic) FlushPage(vpn uint64, asid uint16) {
	b.mu.Lock()
	delete(b.entries, Key{VPN: vpn, ASID: asid})
	b.mu.Unlock()
	b.stats.FlushPage.Add(1)
}

func (b *Basic) Stats() Snapshot { return b.stats.Snapshot() }
