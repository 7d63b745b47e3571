package tlb

import (
	"time"

	"gvisor.dev/gvisor/pkg/sync"
)

// ReplacementPolicy selects which victim a level evicts when full.
type ReplacementPolicy int

const (
	ReplaceMostRecent ReplacementPolicy = iota
	ReplaceLeastFrequent
	ReplaceHybrid
	Replace2Q
)

type levelConfig struct {
	capacity int
	policy   ReplacementPolicy
}

type level struct {
	mu      sync.Mutex
	cfg     levelConfig
	entries map[Key]Entry
}

func newLevel(cfg levelConfig) *level {
	return &level{cfg: cfg, entries: make(map[Key]Entry, cfg.capacity)}
}

// score computes a victim-selection score; lower is evicted first.
func (l *level) score(e Entry) float64 {
	switch l.cfg.policy {
	case ReplaceMostRecent:
		return float64(e.LastAccessNanos)
	case ReplaceLeastFrequent:
		return float64(e.AccessCount)
	case Replace2Q:
		// Entries seen only once are evicted before entries with repeat
		// hits, tie-broken by recency — a coarse approximation of 2Q's
		// A1/Am split without a second queue structure.
		if e.AccessCount <= 1 {
			return float64(e.LastAccessNanos) - 1e18
		}
		return float64(e.LastAccessNanos)
	default: // ReplaceHybrid: blend recency and frequency.
		return 0.7*float64(e.LastAccessNanos)/1e9 + 0.3*e.FrequencyWeight
	}
}

// evictVictim removes and returns the lowest-scoring entry. Caller holds l.mu.
func (l *level) evictVictim() (Entry, bool) {
	var victimKey Key
	var victim Entry
	found := false
	best := 0.0
	for k, e := range l.entries {
		s := l.score(e)
		if !found || s < best {
			found = true
			best = s
			victimKey = k
			victim = e
		}
	}
	if found {
		delete(l.entries, victimKey)
	}
	return victim, found
}

// insertEvicting inserts e, returning a displaced victim if the level was
// at capacity. Caller holds l.mu.
func (l *level) insertEvicting(e Entry) (Entry, bool) {
	key := Key{VPN: e.VPN, ASID: e.ASID}
	if _, exists := l.entries[key]; !exists && len(l.entries) >= l.cfg.capacity {
		victim, ok := l.evictVictim()
		l.entries[key] = e
		return victim, ok
	}
	l.entries[key] = e
	return Entry{}, false
}

// MultiLevel implements the L1 (hot, time-based LRU) / L2 (warm, hybrid) /
// L3 (cold, frequency-biased LRU) hierarchy from §4.C, with promotion on
// hit and cascading demotion of the displaced victim.
type MultiLevel struct {
	l1, l2, l3           *level
	promoteThreshold     uint64 // L2 access_count threshold to jump straight to L1
	stats                Stats
}

func NewMultiLevel(l1Cap, l2Cap, l3Cap int, promoteThreshold uint64) *MultiLevel {
	return &MultiLevel{
		l1:               newLevel(levelConfig{capacity: l1Cap, policy: ReplaceMostRecent}),
		l2:               newLevel(levelConfig{capacity: l2Cap, policy: ReplaceHybrid}),
		l3:               newLevel(levelConfig{capacity: l3Cap, policy: ReplaceLeastFrequent}),
		promoteThreshold: promoteThreshold,
	}
}

func (m *MultiLevel) touch(e *Entry) {
	e.AccessCount++
	e.LastAccessNanos = time.Now().UnixNano()
	e.FrequencyWeight = e.FrequencyWeight*0.9 + 1.0
}

func (m *MultiLevel) Lookup(vpn uint64, asid uint16) (Entry, bool) {
	key := Key{VPN: vpn, ASID: asid}

	m.l1.mu.Lock()
	if e, ok := m.l1.entries[key]; ok {
		m.touch(&e)
		m.l1.entries[key] = e
		m.l1.mu.Unlock()
		m.stats.Hits.Add(1)
		return e, true
	}
	m.l1.mu.Unlock()

	m.l2.mu.Lock()
	if e, ok := m.l2.entries[key]; ok {
		m.touch(&e)
		delete(m.l2.entries, key)
		m.l2.mu.Unlock()
		m.promoteToL1(e)
		m.stats.Hits.Add(1)
		m.stats.Promotions.Add(1)
		return e, true
	}
	m.l2.mu.Unlock()

	m.l3.mu.Lock()
	if e, ok := m.l3.entries[key]; ok {
		m.touch(&e)
		delete(m.l3.entries, key)
		m.l3.mu.Unlock()
		m.promoteToL2(e)
		m.stats.Hits.Add(1)
		m.stats.Promotions.Add(1)
		return e, true
	}
	m.l3.mu.Unlock()

	m.stats.Misses.Add(1)
	return Entry{}, false
}

func (m *MultiLevel) promoteToL1(e Entry) {
	m.l1.mu.Lock()
	victim, evicted := m.l1.insertEvicting(e)
	m.l1.mu.Unlock()
	if evicted {
		m.demoteToL2(victim)
	}
}

func (m *MultiLevel) promoteToL2(e Entry) {
	if e.AccessCount >= m.promoteThreshold {
		m.promoteToL1(e)
		return
	}
	m.l2.mu.Lock()
	victim, evicted := m.l2.insertEvicting(e)
	m.l2.mu.Unlock()
	if evicted {
		m.demoteToL3(victim)
	}
}

func (m *MultiLevel) demoteToL2(e Entry) {
	m.l2.mu.Lock()
	victim, evicted := m.l2.insertEvicting(e)
	m.l2.mu.Unlock()
	m.stats.Demotions.Add(1)
	if evicted {
		m.demoteToL3(victim)
	}
}

func (m *MultiLevel) demoteToL3(e Entry) {
	m.l3.mu.Lock()
	_, evicted := m.l3.insertEvicting(e)
	m.l3.mu.Unlock()
	m.stats.Demotions.Add(1)
	if evicted {
		m.stats.Evictions.Add(1)
	}
}

func (m *MultiLevel) Insert(e Entry) {
	if e.LastAccessNanos == 0 {
		e.LastAccessNanos = time.Now().UnixNano()
	}
	m.l3.mu.Lock()
	_, evicted := m.l3.insertEvicting(e)
	m.l3.mu.Unlock()
	m.stats.Insertions.Add(1)
	if evicted {
		m.stats.Evictions.Add(1)
	}
}

func (m *MultiLevel) FlushAll() {
	for _, l := range []*level{m.l1, m.l2, m.l3} {
		l.mu.Lock()
		l.entries = make(map[Key]Entry, l.cfg.capacity)
		l.mu.Unlock()
	}
	m.stats.FlushAll.Add(1)
}

func (m *MultiLevel) FlushASID(asid uint16) {
	for _, l := range []*level{m.l1, m.l2, m.l3} {
		l.mu.Lock()
		for k := range l.entries {
			if k.ASID == asid {
				delete(l.entries, k)
			}
		}
		l.mu.Unlock()
	}
	m.stats.FlushASID.Add(1)
}

func (m *MultiLevel) FlushPage(vpn uint64, asid uint16) {
	key := Key{VPN: vpn, ASID: asid}
	for _, l := range []*level{m.l1, m.l2, m.l3} {
		l.mu.Lock()
		delete(l.entries, key)
		l.mu.Unlock()
	}
	m.stats.FlushPage.Add(1)
}

func (m *MultiLevel) Stats() Snapshot { return m.stats.Snapshot() }
