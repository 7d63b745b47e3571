package jit

import (
	"sort"

	"github.com/tinyrange/uvm/internal/ir"
)

// RegAllocStrategy selects the register allocator used before codegen
// (§4.F "register allocator").
type RegAllocStrategy int

const (
	LinearScan RegAllocStrategy = iota
	GraphColoring
	StackOnly
)

// Location is where an allocated VReg lives after allocation: either a
// host register index or a stack slot offset (mutually exclusive).
type Location struct {
	IsStack bool
	Reg     int
	Slot    int
}

// Allocation is the register allocator's output: a VReg→Location mapping
// plus the number of stack slots the block needs reserved.
type Allocation struct {
	Assignment map[ir.VReg]Location
	StackSlots int
}

// numHostRegs is the number of general-purpose host registers the
// allocator treats as available, mirroring the teacher's amd64 backend
// which reserves a fixed register set (internal/asm/amd64 RAX..R15) minus
// registers committed to the ABI (register-file pointer, scratch, SP).
const numHostRegs = 12

// RegAlloc assigns host locations to every VReg referenced in blk.
type RegAlloc struct {
	strategy RegAllocStrategy
}

func NewRegAlloc(strategy RegAllocStrategy) *RegAlloc { return &RegAlloc{strategy: strategy} }

func (r *RegAlloc) Allocate(blk *ir.Block) *Allocation {
	switch r.strategy {
	case StackOnly:
		return r.allocateStackOnly(blk)
	case GraphColoring:
		return r.allocateGraphColoring(blk)
	default:
		return r.allocateLinearScan(blk)
	}
}

type liveRange struct {
	vreg       ir.VReg
	start, end int
}

func computeLiveRanges(blk *ir.Block) []liveRange {
	first := make(map[ir.VReg]int)
	last := make(map[ir.VReg]int)
	touch := func(v ir.VReg, i int) {
		if v == 0 {
			return
		}
		if _, ok := first[v]; !ok {
			first[v] = i
		}
		last[v] = i
	}
	for i, op := range blk.Ops {
		touch(op.Dst, i)
		touch(op.Src1, i)
		touch(op.Src2, i)
	}
	ranges := make([]liveRange, 0, len(first))
	for v, s := range first {
		ranges = append(ranges, liveRange{vreg: v, start: s, end: last[v]})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return ranges
}

// allocateLinearScan implements classic linear-scan: registers are handed
// out to live ranges in start order and reclaimed once a range ends,
// spilling to a stack slot when none remain (§4.F "LinearScan").
func (r *RegAlloc) allocateLinearScan(blk *ir.Block) *Allocation {
	ranges := computeLiveRanges(blk)
	assignment := make(map[ir.VReg]Location, len(ranges))

	type active struct {
		liveRange
		reg int
	}
	var activeList []active
	freeRegs := make([]int, numHostRegs)
	for i := range freeRegs {
		freeRegs[i] = numHostRegs - 1 - i
	}
	nextSlot := 0

	for _, lr := range ranges {
		// expire old intervals
		kept := activeList[:0]
		for _, a := range activeList {
			if a.end < lr.start {
				freeRegs = append(freeRegs, a.reg)
			} else {
				kept = append(kept, a)
			}
		}
		activeList = kept

		if len(freeRegs) > 0 {
			reg := freeRegs[len(freeRegs)-1]
			freeRegs = freeRegs[:len(freeRegs)-1]
			assignment[lr.vreg] = Location{Reg: reg}
			activeList = append(activeList, active{liveRange: lr, reg: reg})
		} else {
			assignment[lr.vreg] = Location{IsStack: true, Slot: nextSlot}
			nextSlot++
		}
	}
	return &Allocation{Assignment: assignment, StackSlots: nextSlot}
}

// allocateGraphColoring approximates Chaitin-style coloring: build an
// interference graph from overlapping live ranges, then greedily color
// via the same register pool, spilling a node when every register is
// already taken by an interfering neighbor (§4.F "GraphColoring").
func (r *RegAlloc) allocateGraphColoring(blk *ir.Block) *Allocation {
	ranges := computeLiveRanges(blk)
	n := len(ranges)
	interferes := make([][]bool, n)
	for i := range interferes {
		interferes[i] = make([]bool, n)
	}
	overlap := func(a, b liveRange) bool { return a.start <= b.end && b.start <= a.end }
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if overlap(ranges[i], ranges[j]) {
				interferes[i][j] = true
				interferes[j][i] = true
			}
		}
	}
	color := make([]int, n)
	for i := range color {
		color[i] = -1
	}
	nextSlot := 0
	assignment := make(map[ir.VReg]Location, n)
	for i := range ranges {
		used := make(map[int]bool)
		for j := 0; j < n; j++ {
			if interferes[i][j] && color[j] >= 0 {
				used[color[j]] = true
			}
		}
		picked := -1
		for c := 0; c < numHostRegs; c++ {
			if !used[c] {
				picked = c
				break
			}
		}
		if picked < 0 {
			assignment[ranges[i].vreg] = Location{IsStack: true, Slot: nextSlot}
			nextSlot++
			continue
		}
		color[i] = picked
		assignment[ranges[i].vreg] = Location{Reg: picked}
	}
	return &Allocation{Assignment: assignment, StackSlots: nextSlot}
}

// allocateStackOnly never assigns a register, used for baseline-tier
// compiles where allocation speed matters more than code quality (§4.F
// "StackOnly": the tier-0 compile path).
func (r *RegAlloc) allocateStackOnly(blk *ir.Block) *Allocation {
	ranges := computeLiveRanges(blk)
	assignment := make(map[ir.VReg]Location, len(ranges))
	for i, lr := range ranges {
		assignment[lr.vreg] = Location{IsStack: true, Slot: i}
	}
	return &Allocation{Assignment: assignment, StackSlots: len(ranges)}
}
