package jit

import "github.com/tinyrange/uvm/internal/ir"

// SchedStrategy selects the instruction scheduler run between optimization
// and register allocation (§4.F "instruction scheduler").
type SchedStrategy int

const (
	SchedNone SchedStrategy = iota
	SchedList
	SchedTrace
	SchedSuperblock
)

// Scheduler reorders a block's ops to reduce stalls (e.g. sink the ops
// that compute a branch condition toward the branch) without changing
// program semantics.
type Scheduler struct {
	strategy SchedStrategy
}

func NewScheduler(strategy SchedStrategy) *Scheduler { return &Scheduler{strategy: strategy} }

func (s *Scheduler) Run(blk *ir.Block) *ir.Block {
	switch s.strategy {
	case SchedList:
		return listSchedule(blk)
	case SchedTrace:
		return traceSchedule(blk)
	case SchedSuperblock:
		return superblockSchedule(blk)
	default:
		return blk
	}
}

// dependsOn reports whether b must follow a in program order: b reads or
// overwrites a's destination, b overwrites a register a reads, or either
// is effectful (loads/stores must not reorder across each other or around
// other effects).
func dependsOn(a, b ir.Op) bool {
	if a.Dst != 0 && (b.Src1 == a.Dst || b.Src2 == a.Dst || b.Dst == a.Dst) {
		return true
	}
	if b.Dst != 0 && (a.Src1 == b.Dst || a.Src2 == b.Dst) {
		return true
	}
	if a.Kind.IsEffectful() || b.Kind.IsEffectful() {
		return true
	}
	return false
}

// listSchedule is a classic ready-list scheduler: repeatedly pick the
// earliest-still-ready op (by original index) among those whose
// dependencies are already scheduled, preferring a ready load (§4.F
// "List"). A load is effectful, so dependsOn keeps it after every op
// that precedes it; it is never moved ahead of an earlier op.
func listSchedule(blk *ir.Block) *ir.Block {
	out := blk.Clone()
	n := len(out.Ops)
	scheduled := make([]bool, n)
	order := make([]int, 0, n)

	ready := func(i int) bool {
		for j := 0; j < i; j++ {
			if !scheduled[j] && dependsOn(out.Ops[j], out.Ops[i]) {
				return false
			}
		}
		return true
	}

	remaining := n
	for remaining > 0 {
		picked := -1
		for i := 0; i < n; i++ {
			if scheduled[i] {
				continue
			}
			if ready(i) {
				// prefer loads (latency hiding)
				if picked == -1 || (out.Ops[i].Kind == ir.OpLoad && out.Ops[picked].Kind != ir.OpLoad) {
					picked = i
				}
			}
		}
		if picked == -1 {
			// cyclic dependency guard: fall back to original order for
			// whatever remains rather than looping forever.
			for i := 0; i < n; i++ {
				if !scheduled[i] {
					order = append(order, i)
					scheduled[i] = true
				}
			}
			break
		}
		order = append(order, picked)
		scheduled[picked] = true
		remaining--
	}

	newOps := make([]ir.Op, n)
	for i, idx := range order {
		newOps[i] = out.Ops[idx]
	}
	out.Ops = newOps
	return out
}

// traceSchedule schedules assuming the block is the hot side of a branch
// (a trace): it behaves like listSchedule but additionally moves each op
// that writes the terminator's condition register to the end of the
// block when no later op depends on it, since the branch outcome is
// needed last.
func traceSchedule(blk *ir.Block) *ir.Block {
	scheduled := listSchedule(blk)
	condReg := scheduled.Term.CondReg
	if condReg == 0 {
		return scheduled
	}
	out := scheduled.Clone()
	var condFeeders, rest []ir.Op
	for i, op := range out.Ops {
		sink := op.Dst == condReg
		for _, later := range out.Ops[i+1:] {
			if sink && dependsOn(op, later) {
				sink = false
			}
		}
		if sink {
			condFeeders = append(condFeeders, op)
		} else {
			rest = append(rest, op)
		}
	}
	out.Ops = append(rest, condFeeders...)
	return out
}

// superblockSchedule treats the block as one linear region spanning past
// its own fall-through (the §4.F "loop/block transform" case): today that
// reduces to listSchedule since this type only sees one ir.Block at a
// time; true cross-block code motion needs the block's successors wired
// in by the caller, which the compiler pipeline does not yet expose.
func superblockSchedule(blk *ir.Block) *ir.Block {
	return listSchedule(blk)
}
