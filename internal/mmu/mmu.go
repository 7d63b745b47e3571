// Package mmu unifies Physical Memory, the Page-Table Walker, and the TLB
// hierarchy behind a single translate/read/write/fetch surface (§4.D),
// and layers a TLB flush manager and prefetcher on top.
package mmu

import (
	"sync"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/pmem"
	"github.com/tinyrange/uvm/internal/ptw"
	"github.com/tinyrange/uvm/internal/tlb"
	"github.com/tinyrange/uvm/internal/vmerr"
)

// PTCacheKey identifies a memoized PTE fetch by table base, level, and
// index within that level (§3 "Page-Table Cache Entry").
type PTCacheKey struct {
	Base  uint64
	Level int
	Index uint64
}

// pageTableCache memoizes (base,level,index)→PTE with LRU eviction.
type pageTableCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[PTCacheKey]uint64
	order    []PTCacheKey
}

func newPageTableCache(capacity int) *pageTableCache {
	return &pageTableCache{capacity: capacity, entries: make(map[PTCacheKey]uint64, capacity)}
}

// Get and Put satisfy ptw.PTECache.
func (c *pageTableCache) Get(base uint64, level int, index uint64) (uint64, bool) {
	k := PTCacheKey{Base: base, Level: level, Index: index}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[k]
	if ok {
		// Move k to the back so Put evicts the least recently used key.
		for i, o := range c.order {
			if o == k {
				c.order = append(append(c.order[:i:i], c.order[i+1:]...), k)
				break
			}
		}
	}
	return v, ok
}

func (c *pageTableCache) Put(base uint64, level int, index uint64, pte uint64) {
	k := PTCacheKey{Base: base, Level: level, Index: index}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.capacity && c.capacity > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, victim)
	}
	if _, exists := c.entries[k]; !exists {
		c.order = append(c.order, k)
	}
	c.entries[k] = pte
}

// invalidateBase drops every cached PTE for table base (any level).
func (c *pageTableCache) invalidateBase(base uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Base == base {
			delete(c.entries, k)
		}
	}
	c.rebuildOrder()
}

func (c *pageTableCache) invalidateBaseLevel(base uint64, level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Base == base && k.Level == level {
			delete(c.entries, k)
		}
	}
	c.rebuildOrder()
}

func (c *pageTableCache) rebuildOrder() {
	newOrder := c.order[:0]
	for _, k := range c.order {
		if _, ok := c.entries[k]; ok {
			newOrder = append(newOrder, k)
		}
	}
	c.order = newOrder
}

// Config configures MMU construction.
type Config struct {
	MemorySize    uint64
	HugePages     pmem.HugePageHint
	Mode          archx.PagingMode
	Base          uint64
	ASID          uint16
	StrictAlign   bool
	TLBVariant    TLBVariant
	TLBCapacity   int // Basic/shard capacity hint; MultiLevel ignores in favor of per-tier sizes
	PTCacheSize   int
}

type TLBVariant int

const (
	TLBBasic TLBVariant = iota
	TLBMultiLevel
	TLBConcurrent
)

func buildTLB(variant TLBVariant, capacity int) tlb.TLB {
	if capacity <= 0 {
		capacity = 256
	}
	switch variant {
	case TLBMultiLevel:
		return tlb.NewMultiLevel(capacity/8, capacity/2, capacity, 4)
	case TLBConcurrent:
		return tlb.NewConcurrent(8)
	default:
		return tlb.NewBasic(capacity)
	}
}

// MMU combines physical memory, the page-table walker, and a TLB, and
// drives prefetch on every translate (§4.D).
type MMU struct {
	mem         *pmem.Memory
	mu          sync.RWMutex // guards walker (replaced on base/mode change)
	walker      *ptw.Walker
	tlbImpl     tlb.TLB
	ptCache     *pageTableCache
	strictAlign bool
	prefetcher  *Prefetcher
	flushMgr    *FlushManager
}

func New(cfg Config) *MMU {
	m := &MMU{
		mem:         pmem.New(cfg.MemorySize, cfg.HugePages),
		walker:      ptw.New(cfg.Mode, cfg.Base, cfg.ASID),
		tlbImpl:     buildTLB(cfg.TLBVariant, cfg.TLBCapacity),
		ptCache:     newPageTableCache(cfg.PTCacheSize),
		strictAlign: cfg.StrictAlign,
	}
	m.prefetcher = NewPrefetcher(m, 4)
	m.flushMgr = NewFlushManager(m.tlbImpl, FlushImmediate)
	return m
}

func NewFromImage(cfg Config, image []byte) *MMU {
	m := New(cfg)
	m.mem = pmem.NewFromImage(image, cfg.HugePages)
	return m
}

func (m *MMU) Memory() *pmem.Memory       { return m.mem }
func (m *MMU) TLB() tlb.TLB               { return m.tlbImpl }
func (m *MMU) FlushManager() *FlushManager { return m.flushMgr }

// SetPagingBase implements the §6 "Paging-base change" contract: updating
// triggers a flush of entries for the old ASID and rebuilds the walker.
func (m *MMU) SetPagingBase(mode archx.PagingMode, asid uint16, ppn uint64) {
	m.mu.Lock()
	oldASID := m.walker.ASID()
	oldBase := m.walker.Base()
	m.walker = ptw.New(mode, ppn<<archx.PageShift, asid)
	m.mu.Unlock()

	m.tlbImpl.FlushASID(oldASID)
	m.ptCache.invalidateBase(oldBase)
}

// Translate implements the §4.D algorithm.
func (m *MMU) Translate(va archx.GuestAddr, access archx.AccessType, isUser bool) (archx.GuestPhysAddr, archx.PermFlags, error) {
	m.mu.RLock()
	w := m.walker
	m.mu.RUnlock()

	if w.Mode() == archx.PagingBare {
		return archx.GuestPhysAddr(va), archx.PermRead | archx.PermWrite | archx.PermExecute, nil
	}

	vpn := archx.VPN(va)
	asid := w.ASID()

	if e, ok := m.tlbImpl.Lookup(vpn, asid); ok {
		if !e.Flags.Satisfies(access) {
			return 0, 0, &vmerr.PermissionFault{VA: va, Access: access}
		}
		pa := (e.PPN << archx.PageShift) | archx.PageOffset(va)
		m.prefetcher.Observe(vpn)
		if m.flushMgr.analyzer != nil {
			m.flushMgr.analyzer.Observe(asid, vpn)
		}
		return archx.GuestPhysAddr(pa), e.Flags, nil
	}

	res, err := w.Walk(va, access, isUser, m.mem, m.ptCache)
	if err != nil {
		return 0, 0, err
	}
	ppn := uint64(res.PA) >> archx.PageShift
	m.tlbImpl.Insert(tlb.Entry{VPN: vpn, PPN: ppn, Flags: res.Flags, ASID: asid})

	if !res.Flags.Satisfies(access) {
		return 0, 0, &vmerr.PermissionFault{VA: va, Access: access}
	}

	m.prefetcher.Observe(vpn)
	m.prefetcher.Drain(w, asid, isUser)

	return res.PA, res.Flags, nil
}

func checkSize(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	default:
		return &vmerr.Internal{Message: "memory access size must be 1, 2, 4, or 8"}
	}
}

func (m *MMU) checkAlign(pa archx.GuestPhysAddr, size int) error {
	if m.strictAlign && uint64(pa)%uint64(size) != 0 {
		return &vmerr.AlignmentFault{Addr: archx.GuestAddr(pa), Size: size}
	}
	return nil
}

// ReadPhys reads size bytes (1/2/4/8) from guest physical address pa.
func (m *MMU) ReadPhys(pa archx.GuestPhysAddr, size int) (uint64, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	if err := m.checkAlign(pa, size); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		v, err := m.mem.ReadU8(uint64(pa))
		return uint64(v), err
	case 2:
		v, err := m.mem.ReadU16(uint64(pa))
		return uint64(v), err
	case 4:
		v, err := m.mem.ReadU32(uint64(pa))
		return uint64(v), err
	default:
		return m.mem.ReadU64(uint64(pa))
	}
}

func (m *MMU) WritePhys(pa archx.GuestPhysAddr, size int, value uint64) error {
	if err := checkSize(size); err != nil {
		return err
	}
	if err := m.checkAlign(pa, size); err != nil {
		return err
	}
	switch size {
	case 1:
		return m.mem.WriteU8(uint64(pa), uint8(value))
	case 2:
		return m.mem.WriteU16(uint64(pa), uint16(value))
	case 4:
		return m.mem.WriteU32(uint64(pa), uint32(value))
	default:
		return m.mem.WriteU64(uint64(pa), value)
	}
}

// ReadVirt / WriteVirt translate then access physical memory, the path
// used by the interpreter and by compiled-block Load/Store ops.
func (m *MMU) ReadVirt(va archx.GuestAddr, size int, isUser bool) (uint64, error) {
	pa, _, err := m.Translate(va, archx.AccessRead, isUser)
	if err != nil {
		return 0, err
	}
	return m.ReadPhys(pa, size)
}

func (m *MMU) WriteVirt(va archx.GuestAddr, size int, value uint64, isUser bool) error {
	pa, _, err := m.Translate(va, archx.AccessWrite, isUser)
	if err != nil {
		return err
	}
	return m.WritePhys(pa, size, value)
}

// FetchInstruction reads the architecture's default fetch width at pc.
func (m *MMU) FetchInstruction(pc archx.GuestAddr, arch archx.Arch, isUser bool) ([]byte, error) {
	pa, _, err := m.Translate(pc, archx.AccessExecute, isUser)
	if err != nil {
		return nil, err
	}
	n := arch.FetchSize()
	if n == 0 {
		n = 4
	}
	buf := make([]byte, n)
	if err := m.mem.ReadBytes(uint64(pa), buf); err != nil {
		return nil, err
	}
	return buf, nil
}
