package exec

import (
	"testing"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/codecache"
	"github.com/tinyrange/uvm/internal/ir"
	"github.com/tinyrange/uvm/internal/jit"
	"github.com/tinyrange/uvm/internal/mmu"
)

// loopDecoder always decodes the same block at the same pc, looping
// forever unless the caller stops the vCPU — used to drive a fixed guest
// PC through many executions for hotspot classification.
type loopDecoder struct{ pc archx.GuestAddr }

func (d loopDecoder) Decode(m *mmu.MMU, pc archx.GuestAddr) (*ir.Block, error) {
	b := ir.NewBuilder(pc)
	v := b.NewVReg()
	b.Emit(ir.Op{Kind: ir.OpMove, Dst: v, Imm: 1})
	// A plain Jmp back to the block's own pc resolves to Halt, so loop
	// through a CondJmp whose condition register is always 1.
	return b.Finish(ir.Terminator{Kind: ir.TermCondJmp, CondReg: v, Target: d.pc, TargetF: d.pc}), nil
}

// newBareMMU builds a minimal Bare-mode MMU sufficient for interpretation
// tests that never touch guest memory.
func newBareMMU(t *testing.T) *mmu.MMU {
	t.Helper()
	return mmu.New(mmu.Config{MemorySize: 4096, Mode: archx.PagingBare})
}

// Single-hotspot scenario (§8): pc=0x2000, threshold=10, min_executions=5;
// after 15 executions the block must be classified Hot.
func TestSingleHotspotClassifiedHotAfterThreshold(t *testing.T) {
	pc := archx.GuestAddr(0x2000)
	m := newBareMMU(t)
	vc := NewVCPU(0, archx.ArchX86_64, m, loopDecoder{pc: pc})
	vc.Regs.PC = pc
	vc.MaxSteps = 15

	detector := jit.NewHotspotDetector(10, 3, 5)
	vc.JIT = NewJITPipeline(detector, jit.NewCompileQueue(jit.NewCompiler(archx.ArchX86_64), 0), jit.OptLevel1)
	vc.Cache = codecache.New(0, 0, 0, 2, 2)

	vc.Run()

	if got := detector.Classify(pc); got != jit.Hot {
		t.Fatalf("Classify(pc) = %v after 15 executions past min_executions=5, want Hot", got)
	}
}

func TestStepStopsOnHalt(t *testing.T) {
	pc := archx.GuestAddr(0x1000)
	m := newBareMMU(t)
	vc := NewVCPU(0, archx.ArchX86_64, m, selfJumpDecoder{})
	vc.Regs.PC = pc
	vc.MaxSteps = 1000

	vc.Run()

	if !vc.Stopped() {
		t.Fatalf("vCPU did not stop on self-jump halt")
	}
	if vc.Stats.Steps.Load() != 1 {
		t.Fatalf("Steps = %d, want exactly 1 (halts on first block)", vc.Stats.Steps.Load())
	}
}

type selfJumpDecoder struct{}

func (selfJumpDecoder) Decode(m *mmu.MMU, pc archx.GuestAddr) (*ir.Block, error) {
	b := ir.NewBuilder(pc)
	return b.Finish(ir.Terminator{Kind: ir.TermJmp, Target: pc}), nil
}

func TestStopIsIdempotent(t *testing.T) {
	pc := archx.GuestAddr(0x1000)
	m := newBareMMU(t)
	vc := NewVCPU(0, archx.ArchX86_64, m, loopDecoder{pc: pc})
	vc.Regs.PC = pc

	vc.Stop()
	vc.Stop() // must not panic or double-finalize

	if vc.Running() {
		t.Fatalf("vCPU still reports Running after Stop")
	}
}
