// Package codecache implements the tiered (L1/L2/L3) host-code cache
// keyed by guest PC (§4.E). It stores each block's host bytes as a plain
// byte slice; mapping those bytes executable and toggling W^X is done by
// internal/jit, not here.
package codecache

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/uvm/internal/archx"
)

// Block is one compiled host code entry (§3 "Code Block Entry").
type Block struct {
	GuestPC      archx.GuestAddr
	HostBytes    []byte
	EntryOffset  int
	AccessCount  uint64
	LastAccessNs int64
	CacheLevel   int
	PrefetchMark bool
}

// Stats are the tiered cache's atomic counters (§4.E "Stats are atomic
// counters").
type Stats struct {
	Hits       atomicbitops.Uint64
	Misses     atomicbitops.Uint64
	Insertions atomicbitops.Uint64
	Removals   atomicbitops.Uint64
	Promotions atomicbitops.Uint64
	Evictions  atomicbitops.Uint64
	Prefetches atomicbitops.Uint64
}

type StatsSnapshot struct {
	Hits, Misses, Insertions, Removals, Promotions, Evictions, Prefetches uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:       s.Hits.Load(),
		Misses:     s.Misses.Load(),
		Insertions: s.Insertions.Load(),
		Removals:   s.Removals.Load(),
		Promotions: s.Promotions.Load(),
		Evictions:  s.Evictions.Load(),
		Prefetches: s.Prefetches.Load(),
	}
}

const cacheLineSize = 64
const prefetchNeighbors = 2 // W in §4.E

// tier is one L1/L2/L3 level: a lock-protected map plus an LRU order and a
// byte-size budget.
type tier struct {
	mu        sync.Mutex
	level     int
	entries   map[archx.GuestAddr]*Block
	order     []archx.GuestAddr // front = most recently used
	sizeBytes int
	limit     int
	promoteAt uint64 // access_count threshold to promote out of this tier
}

func newTier(level int, limit int, promoteAt uint64) *tier {
	return &tier{level: level, entries: make(map[archx.GuestAddr]*Block), limit: limit, promoteAt: promoteAt}
}

func (t *tier) touchLRU(pc archx.GuestAddr) {
	for i, k := range t.order {
		if k == pc {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.order = append([]archx.GuestAddr{pc}, t.order...)
}

// insertLocked inserts blk, evicting LRU victims until it fits. Caller
// holds t.mu. Returns evicted blocks (for cascading to the next tier).
func (t *tier) insertLocked(blk *Block) []*Block {
	var evicted []*Block
	size := len(blk.HostBytes)
	if old, exists := t.entries[blk.GuestPC]; exists {
		t.sizeBytes -= len(old.HostBytes)
		t.removeFromOrder(blk.GuestPC)
	}
	for t.limit > 0 && t.sizeBytes+size > t.limit && len(t.order) > 0 {
		victimPC := t.order[len(t.order)-1]
		t.order = t.order[:len(t.order)-1]
		victim := t.entries[victimPC]
		delete(t.entries, victimPC)
		t.sizeBytes -= len(victim.HostBytes)
		evicted = append(evicted, victim)
	}
	blk.CacheLevel = t.level
	t.entries[blk.GuestPC] = blk
	t.sizeBytes += size
	t.touchLRU(blk.GuestPC)
	return evicted
}

func (t *tier) removeFromOrder(pc archx.GuestAddr) {
	for i, k := range t.order {
		if k == pc {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *tier) removeLocked(pc archx.GuestAddr) (*Block, bool) {
	blk, ok := t.entries[pc]
	if !ok {
		return nil, false
	}
	delete(t.entries, pc)
	t.sizeBytes -= len(blk.HostBytes)
	t.removeFromOrder(pc)
	return blk, true
}

// Cache is the three-tier code cache (§4.E).
type Cache struct {
	l1, l2, l3 *tier
	stats      Stats
	// mu guards remove-vs-get atomicity: Get and Insert hold it shared,
	// Remove and Clear hold it exclusively, so a concurrent remove is never
	// silently missed by a racing hit (§4.E "Invalidation").
	mu sync.RWMutex
}

// New builds a cache with per-tier byte limits. A limit of 0 means
// unbounded for that tier.
func New(l1Limit, l2Limit, l3Limit int, l1PromoteAt, l2PromoteAt uint64) *Cache {
	return &Cache{
		l1: newTier(1, l1Limit, l1PromoteAt),
		l2: newTier(2, l2Limit, l2PromoteAt),
		l3: newTier(3, l3Limit, 0),
	}
}

// SetSizeLimit adjusts tier `level`'s byte budget.
func (c *Cache) SetSizeLimit(level int, bytes int) {
	t := c.tierFor(level)
	if t == nil {
		return
	}
	t.mu.Lock()
	t.limit = bytes
	t.mu.Unlock()
}

func (c *Cache) tierFor(level int) *tier {
	switch level {
	case 1:
		return c.l1
	case 2:
		return c.l2
	case 3:
		return c.l3
	default:
		return nil
	}
}

// Insert places a freshly compiled block into L3 (§4.E "On insert: place
// in L3 first").
func (c *Cache) Insert(pc archx.GuestAddr, hostBytes []byte, entryOffset int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blk := &Block{GuestPC: pc, HostBytes: hostBytes, EntryOffset: entryOffset}
	c.l3.mu.Lock()
	evicted := c.l3.insertLocked(blk)
	c.l3.mu.Unlock()
	c.stats.Insertions.Add(1)
	c.stats.Evictions.Add(uint64(len(evicted))) // dropped, nothing below L3
}

// Get probes L1→L2→L3, promoting on L2/L3 hits (§4.E "On get").
func (c *Cache) Get(pc archx.GuestAddr) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.l1.mu.Lock()
	if blk, ok := c.l1.entries[pc]; ok {
		blk.AccessCount++
		c.l1.touchLRU(pc)
		c.l1.mu.Unlock()
		c.stats.Hits.Add(1)
		return blk, true
	}
	c.l1.mu.Unlock()

	c.l2.mu.Lock()
	if blk, ok := c.l2.entries[pc]; ok {
		blk.AccessCount++
		promote := blk.AccessCount >= c.l2.promoteAt
		if promote {
			c.l2.removeLocked(pc)
		} else {
			c.l2.touchLRU(pc)
		}
		c.l2.mu.Unlock()
		c.stats.Hits.Add(1)
		if promote {
			c.promoteTo(c.l1, c.l2, blk)
			c.stats.Promotions.Add(1)
		}
		c.prefetchNeighborsInto(pc, c.l3, c.l2)
		return blk, true
	}
	c.l2.mu.Unlock()

	c.l3.mu.Lock()
	if blk, ok := c.l3.entries[pc]; ok {
		blk.AccessCount++
		c.l3.removeLocked(pc)
		c.l3.mu.Unlock()
		c.stats.Hits.Add(1)
		c.promoteTo(c.l2, c.l3, blk)
		c.stats.Promotions.Add(1)
		c.prefetchNeighborsInto(pc, c.l3, c.l2)
		return blk, true
	}
	c.l3.mu.Unlock()

	c.stats.Misses.Add(1)
	return nil, false
}

// promoteTo moves blk into `to`, cascading any evicted victim down into
// `from` (the tier blk came from — now one level colder).
func (c *Cache) promoteTo(to, from *tier, blk *Block) {
	to.mu.Lock()
	evicted := to.insertLocked(blk)
	to.mu.Unlock()
	for _, v := range evicted {
		from.mu.Lock()
		reEvicted := from.insertLocked(v)
		from.mu.Unlock()
		c.stats.Evictions.Add(uint64(len(reEvicted)))
	}
}

// prefetchNeighborsInto speculatively promotes cache-line-aligned
// neighbors from `from` into `into` if present (§4.E "Prefetch").
func (c *Cache) prefetchNeighborsInto(pc archx.GuestAddr, from, into *tier) {
	for k := 1; k <= prefetchNeighbors; k++ {
		neighbor := pc + archx.GuestAddr(k*cacheLineSize)
		from.mu.Lock()
		blk, ok := from.entries[neighbor]
		if ok {
			from.removeLocked(neighbor)
		}
		from.mu.Unlock()
		if !ok {
			continue
		}
		blk.PrefetchMark = true
		into.mu.Lock()
		into.insertLocked(blk)
		into.mu.Unlock()
		c.stats.Prefetches.Add(1)
	}
}

func (c *Cache) Contains(pc archx.GuestAddr) bool {
	_, ok := c.Get(pc)
	return ok
}

// Remove deletes pc from every tier atomically with respect to concurrent
// Get: it holds the cache-wide write lock so a Get in flight either
// completed before this call or observes the post-remove state (§4.E
// "Invalidation", Invariant 5 in §8).
func (c *Cache) Remove(pc archx.GuestAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, t := range []*tier{c.l1, c.l2, c.l3} {
		t.mu.Lock()
		if _, ok := t.removeLocked(pc); ok {
			found = true
		}
		t.mu.Unlock()
	}
	if found {
		c.stats.Removals.Add(1)
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range []*tier{c.l1, c.l2, c.l3} {
		t.mu.Lock()
		t.entries = make(map[archx.GuestAddr]*Block)
		t.order = nil
		t.sizeBytes = 0
		t.mu.Unlock()
	}
}

func (c *Cache) Stats() StatsSnapshot { return c.stats.Snapshot() }
