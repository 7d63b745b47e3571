package tlb

import (
	"hash/maphash"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"
)

const fastPathSize = 32

type fastSlot struct {
	valid atomic.Bool
	key   Key
	entry atomic.Pointer[Entry]
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// Concurrent is the sharded + lock-free-fast-path TLB variant (§4.C
// "Concurrent"). Reads first probe a small fixed-size fast path without
// taking any lock; on miss they fall through to one of N shards selected
// by hash(vpn,asid) mod N.
type Concurrent struct {
	shards    []*shard
	fastPath  [fastPathSize]fastSlot
	seed      maphash.Seed
	stats     Stats
}

func NewConcurrent(numShards int) *Concurrent {
	if numShards < 1 {
		numShards = 1
	}
	c := &Concurrent{
		shards: make([]*shard, numShards),
		seed:   maphash.MakeSeed(),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[Key]Entry)}
	}
	return c
}

func (c *Concurrent) hash(vpn uint64, asid uint16) uint64 {
	var h maphash.Hash
	h.SetSeed(c.seed)
	var buf [10]byte
	buf[0] = byte(vpn)
	buf[1] = byte(vpn >> 8)
	buf[2] = byte(vpn >> 16)
	buf[3] = byte(vpn >> 24)
	buf[4] = byte(vpn >> 32)
	buf[5] = byte(vpn >> 40)
	buf[6] = byte(vpn >> 48)
	buf[7] = byte(vpn >> 56)
	buf[8] = byte(asid)
	buf[9] = byte(asid >> 8)
	h.Write(buf[:])
	return h.Sum64()
}

func (c *Concurrent) shardFor(vpn uint64, asid uint16) *shard {
	h := c.hash(vpn, asid)
	return c.shards[h%uint64(len(c.shards))]
}

func (c *Concurrent) fastSlotFor(vpn uint64, asid uint16) *fastSlot {
	h := c.hash(vpn, asid)
	return &c.fastPath[h%fastPathSize]
}

func (c *Concurrent) Lookup(vpn uint64, asid uint16) (Entry, bool) {
	key := Key{VPN: vpn, ASID: asid}

	slot := c.fastSlotFor(vpn, asid)
	if slot.valid.Load() && slot.key == key {
		if e := slot.entry.Load(); e != nil {
			c.stats.Hits.Add(1)
			return *e, true
		}
	}

	sh := c.shardFor(vpn, asid)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		c.stats.Hits.Add(1)
		c.populateFastPath(key, e)
	} else {
		c.stats.Misses.Add(1)
	}
	return e, ok
}

// populateFastPath heuristically promotes a recent shard hit into the
// lock-free fast path (§4.C "heuristically populated from recent shard
// hits").
func (c *Concurrent) populateFastPath(key Key, e Entry) {
	slot := c.fastSlotFor(key.VPN, key.ASID)
	slot.entry.Store(&e)
	slot.key = key
	slot.valid.Store(true)
}

func (c *Concurrent) Insert(e Entry) {
	key := Key{VPN: e.VPN, ASID: e.ASID}
	sh := c.shardFor(e.VPN, e.ASID)
	sh.mu.Lock()
	sh.entries[key] = e
	sh.mu.Unlock()
	c.stats.Insertions.Add(1)
	c.populateFastPath(key, e)
}

// invalidateFastPath clears any fast-path slot so flushes are visible
// immediately, regardless of concurrent lookups racing a shard flush.
func (c *Concurrent) invalidateFastPath(match func(Key) bool) {
	for i := range c.fastPath {
		slot := &c.fastPath[i]
		if slot.valid.Load() && match(slot.key) {
			slot.valid.Store(false)
			slot.entry.Store(nil)
		}
	}
}

func (c *Concurrent) FlushAll() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[Key]Entry)
		sh.mu.Unlock()
	}
	c.invalidateFastPath(func(Key) bool { return true })
	c.stats.FlushAll.Add(1)
}

func (c *Concurrent) FlushASID(asid uint16) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if k.ASID == asid {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
	c.invalidateFastPath(func(k Key) bool { return k.ASID == asid })
	c.stats.FlushASID.Add(1)
}

func (c *Concurrent) FlushPage(vpn uint64, asid uint16) {
	sh := c.shardFor(vpn, asid)
	sh.mu.Lock()
	delete(sh.entries, Key{VPN: vpn, ASID: asid})
	sh.mu.Unlock()
	c.invalidateFastPath(func(k Key) bool { return k.VPN == vpn && k.ASID == asid })
	c.stats.FlushPage.Add(1)
}

func (c *Concurrent) Stats() Snapshot { return c.stats.Snapshot() }
