// Package ptw implements the page-table walker (§4.B), polymorphic over
// Bare/Sv39/Sv48 paging modes. It is stateless except for its base/asid
// configuration and is recreated whenever the guest writes a SATP-style
// register (§6 "Paging-base change").
package ptw

import (
	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/vmerr"
)

// PhysReader is the subset of physical memory the walker needs to fetch
// PTEs. It is satisfied by *pmem.Memory; the MMU routes PTE fetches
// through its page-table cache by passing that cache to Walk.
type PhysReader interface {
	ReadU64(offset uint64) (uint64, error)
}

// PTE bit layout, Sv39/Sv48-style (RISC-V naming; §4.B notes the design is
// not ISA-specific — only the bit positions are borrowed).
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteA = 1 << 6
	pteD = 1 << 7
)

const pteSize = 8
const entriesPerLevel = 512 // 4KiB page / 8-byte PTE

// Walker translates guest virtual addresses to physical addresses under a
// fixed paging mode, base, and ASID.
type Walker struct {
	mode PagingMode
	base uint64 // physical address of the top-level page table
	asid uint16
}

type PagingMode = archx.PagingMode

const (
	Bare = archx.PagingBare
	Sv39 = archx.PagingSv39
	Sv48 = archx.PagingSv48
)

func New(mode PagingMode, base uint64, asid uint16) *Walker {
	return &Walker{mode: mode, base: base, asid: asid}
}

func (w *Walker) Mode() PagingMode { return w.mode }
func (w *Walker) Base() uint64     { return w.base }
func (w *Walker) ASID() uint16     { return w.asid }

// Result is a successful walk's outcome.
type Result struct {
	PA    archx.GuestPhysAddr
	Flags archx.PermFlags
}

// PTECache memoizes (base,level,index)→PTE lookups so repeated walks of
// the same table don't re-read physical memory (§3 "Page-Table Cache
// Entry"). A nil cache is valid and simply disables memoization.
type PTECache interface {
	Get(base uint64, level int, index uint64) (uint64, bool)
	Put(base uint64, level int, index uint64, pte uint64)
}

// Walk resolves va for the given access type, reading PTEs via mem,
// consulting cache first when non-nil.
func (w *Walker) Walk(va archx.GuestAddr, access archx.AccessType, isUser bool, mem PhysReader, cache PTECache) (Result, error) {
	if w.mode == Bare {
		return Result{PA: archx.GuestPhysAddr(va), Flags: archx.PermRead | archx.PermWrite | archx.PermExecute}, nil
	}

	levels := w.mode.Levels()
	vpn := uint64(va) >> archx.PageShift
	// Split vpn into per-level indices, most-significant first.
	idx := make([]uint64, levels)
	bitsPerLevel := 9
	for i := 0; i < levels; i++ {
		shift := uint(bitsPerLevel * (levels - 1 - i))
		idx[i] = (vpn >> shift) & uint64(entriesPerLevel-1)
	}

	tableBase := w.base
	var pte uint64
	for level := 0; level < levels; level++ {
		entryOffset := tableBase + idx[level]*pteSize
		var err error
		if cache != nil {
			if cached, ok := cache.Get(tableBase, level, idx[level]); ok {
				pte = cached
			} else {
				pte, err = mem.ReadU64(entryOffset)
				if err != nil {
					return Result{}, err
				}
				cache.Put(tableBase, level, idx[level], pte)
			}
		} else {
			pte, err = mem.ReadU64(entryOffset)
			if err != nil {
				return Result{}, err
			}
		}
		if pte&pteV == 0 {
			return Result{}, &vmerr.PageFault{VA: va, Access: access, Write: access == archx.AccessWrite, User: isUser}
		}
		isLeaf := pte&(pteR|pteW|pteX) != 0
		if isLeaf {
			if level != levels-1 {
				// Super-page: remaining low bits of the PPN must be zero,
				// else this is a misaligned super-page.
				ppn := pte >> 10
				mask := uint64(1)<<uint(bitsPerLevel*(levels-1-level)) - 1
				if ppn&mask != 0 {
					return Result{}, &vmerr.AlignmentFault{Addr: va, Size: archx.PageSize}
				}
			}
			flags := decodeFlags(pte)
			if !flags.Satisfies(access) {
				return Result{}, &vmerr.PermissionFault{VA: va, Access: access}
			}
			ppn := pte >> 10
			// For a super-page, the low-level index bits pass through from va.
			lowBits := uint64(0)
			for l := level + 1; l < levels; l++ {
				lowBits = (lowBits << bitsPerLevel) | idx[l]
			}
			pa := (ppn << archx.PageShift) | (lowBits << archx.PageShift) | archx.PageOffset(va)
			return Result{PA: archx.GuestPhysAddr(pa), Flags: flags}, nil
		}
		// Non-leaf: descend.
		tableBase = (pte >> 10) << archx.PageShift
	}
	return Result{}, &vmerr.PageFault{VA: va, Access: access, Write: access == archx.AccessWrite, User: isUser}
}

func decodeFlags(pte uint64) archx.PermFlags {
	var f archx.PermFlags
	if pte&pteR != 0 {
		f |= archx.PermRead
	}
	if pte&pteW != 0 {
		f |= archx.PermWrite
	}
	if pte&pteX != 0 {
		f |= archx.PermExecute
	}
	if pte&pteU != 0 {
		f |= archx.PermUser
	}
	if pte&pteA != 0 {
		f |= archx.PermAccessed
	}
	if pte&pteD != 0 {
		f |= archx.PermDirty
	}
	f |= archx.PermValid
	return f
}

// DecodeSATP splits a SATP-style register value into mode/asid/ppn per the
// bitfield layout in §6: bits 63..60=mode, 59..44=asid, 43..0=ppn.
func DecodeSATP(satp uint64) (mode PagingMode, asid uint16, ppn uint64) {
	modeField := satp >> 60
	asid = uint16((satp >> 44) & 0xffff)
	ppn = satp & ((1 << 44) - 1)
	switch modeField {
	case 0:
		mode = Bare
	case 8:
		mode = Sv39
	case 9:
		mode = Sv48
	default:
		mode = Bare
	}
	return
}
