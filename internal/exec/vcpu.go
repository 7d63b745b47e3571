package exec

import (
	"log/slog"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/codecache"
	"github.com/tinyrange/uvm/internal/ir"
	"github.com/tinyrange/uvm/internal/jit"
	"github.com/tinyrange/uvm/internal/mmu"
)

// TrapAction is what a registered trap handler or IRQ policy decides to do
// with a fault or pending interrupt (§6 "External collaborator contracts").
type TrapAction int

const (
	ActionContinue TrapAction = iota
	ActionInjectState
	ActionRetry
	ActionMask
	ActionDeliver
	ActionAbort
)

// TrapHandler is consulted whenever a block's terminator resolves to a
// fault. Returning ActionAbort stops the vCPU; ActionRetry re-decodes the
// same PC; ActionContinue/ActionInjectState/ActionMask/ActionDeliver keep
// the vCPU running from whatever PC the handler left in vc.Regs.PC. The
// default trap routing is used only when no handler is registered.
type TrapHandler interface {
	HandleTrap(cause uint32, vc *VCPU) TrapAction
}

// IRQPolicy is consulted when a block's terminator resolves to
// StatusInterruptPending. It shares TrapAction's vocabulary.
type IRQPolicy interface {
	HandleIRQ(vector uint32, vc *VCPU) TrapAction
}

// JITPipeline is the subset of the JIT the execution driver needs: submit a
// hot block for background compilation and drain finished ones. A vCPU may
// run with jit == nil, in which case it always interprets (§4.G
// "jit_enabled").
type JITPipeline struct {
	Detector *jit.HotspotDetector
	Queue    *jit.CompileQueue
	Level    jit.OptLevel
	Logger   *slog.Logger

	mu      sync.Mutex
	pending map[archx.GuestAddr]bool
}

func NewJITPipeline(detector *jit.HotspotDetector, queue *jit.CompileQueue, level jit.OptLevel) *JITPipeline {
	return &JITPipeline{
		Detector: detector,
		Queue:    queue,
		Level:    level,
		Logger:   slog.Default(),
		pending:  make(map[archx.GuestAddr]bool),
	}
}

// Submit enqueues blk for compilation unless a compile for the same pc is
// already outstanding.
func (j *JITPipeline) Submit(pc archx.GuestAddr, blk *ir.Block) {
	j.mu.Lock()
	if j.pending[pc] {
		j.mu.Unlock()
		return
	}
	j.pending[pc] = true
	j.mu.Unlock()
	j.Logger.Info("hot block submitted for background compilation", "pc", pc, "level", j.Level)
	j.Queue.Submit(jit.CompileTask{PC: pc, Block: blk, Level: j.Level, Priority: 0})
}

func (j *JITPipeline) clearPending(pc archx.GuestAddr) {
	j.mu.Lock()
	delete(j.pending, pc)
	j.mu.Unlock()
}

// VCPUStats mirrors get_stats()'s per-vCPU counters (§6).
type VCPUStats struct {
	Steps          atomicbitops.Uint64
	Interpreted    atomicbitops.Uint64
	JitExecuted    atomicbitops.Uint64
	Faults         atomicbitops.Uint64
	CompileSubmits atomicbitops.Uint64
}

// VCPU is one virtual CPU's execution state (§4.G "per-vCPU state"): its
// register file, the decoder for its guest architecture, run/pause flags,
// and an optional JIT pipeline shared with sibling vCPUs through the code
// cache and hotspot detector.
type VCPU struct {
	ID   int
	Arch archx.Arch

	Regs jit.RegFile
	MMU  *mmu.MMU

	Decoder     Decoder
	Interpreter Interpreter

	Cache *codecache.Cache
	JIT   *JITPipeline

	Trap TrapHandler
	IRQ  IRQPolicy

	Logger *slog.Logger

	runFlag   atomicbitops.Uint32
	pauseFlag atomicbitops.Uint32
	stopped   atomicbitops.Uint32

	Stats VCPUStats

	// compiled mirrors Cache's tiered bytes with the actual invokable
	// CompiledBlock, since the code cache stores a representative byte
	// encoding for lifecycle/size fidelity while the closure that really
	// executes is built straight from IR (internal/jit/codegen.go). The
	// two are inserted and removed together so they never disagree about
	// whether pc is compiled.
	compiledMu sync.RWMutex
	compiled   map[archx.GuestAddr]*jit.CompiledBlock

	MaxSteps uint64
}

// NewVCPU constructs a vCPU in the Ready-to-run state with run_flag set.
func NewVCPU(id int, arch archx.Arch, m *mmu.MMU, dec Decoder) *VCPU {
	vc := &VCPU{
		ID:       id,
		Arch:     arch,
		MMU:      m,
		Decoder:  dec,
		Logger:   slog.Default(),
		compiled: make(map[archx.GuestAddr]*jit.CompiledBlock),
		MaxSteps: ^uint64(0),
	}
	vc.runFlag.Store(1)
	return vc
}

func (vc *VCPU) Stop()    { vc.runFlag.Store(0) }
func (vc *VCPU) Pause()   { vc.pauseFlag.Store(1) }
func (vc *VCPU) Resume()  { vc.pauseFlag.Store(0) }
func (vc *VCPU) Running() bool { return vc.runFlag.Load() != 0 }
func (vc *VCPU) Stopped() bool { return vc.stopped.Load() != 0 }

func (vc *VCPU) installCompiled(pc archx.GuestAddr, prog jit.Program, blk *jit.CompiledBlock) {
	vc.Cache.Insert(pc, prog.Code, prog.EntryOffset)
	vc.compiledMu.Lock()
	vc.compiled[pc] = blk
	vc.compiledMu.Unlock()
}

func (vc *VCPU) lookupCompiled(pc archx.GuestAddr) (*jit.CompiledBlock, bool) {
	if vc.Cache == nil {
		return nil, false
	}
	if _, ok := vc.Cache.Get(pc); !ok {
		return nil, false
	}
	vc.compiledMu.RLock()
	cb, ok := vc.compiled[pc]
	vc.compiledMu.RUnlock()
	return cb, ok
}

func (vc *VCPU) invalidateCompiled(pc archx.GuestAddr) {
	vc.Cache.Remove(pc)
	vc.compiledMu.Lock()
	cb, ok := vc.compiled[pc]
	delete(vc.compiled, pc)
	vc.compiledMu.Unlock()
	if ok {
		_ = cb.Release()
	}
}

// drainCompileResults installs any blocks the background compiler has
// finished since the last check, non-blockingly.
func (vc *VCPU) drainCompileResults() {
	if vc.JIT == nil || vc.JIT.Queue == nil {
		return
	}
	for {
		select {
		case res, ok := <-vc.JIT.Queue.Results():
			if !ok {
				return
			}
			vc.JIT.clearPending(res.PC)
			if res.Err != nil {
				continue
			}
			vc.installCompiled(res.PC, res.Program, res.Block)
		default:
			return
		}
	}
}

// Step runs one decode/dispatch/terminator-resolve cycle starting at
// vc.Regs.PC and advances vc.Regs.PC to the result (§4.G steady-state
// loop, one iteration). It returns false when the vCPU should stop.
func (vc *VCPU) Step() bool {
	if !vc.Running() {
		vc.stopped.Store(1)
		return false
	}
	if vc.pauseFlag.Load() != 0 {
		return true
	}

	vc.drainCompileResults()

	pc := vc.Regs.PC
	blk, err := vc.Decoder.Decode(vc.MMU, pc)
	if err != nil {
		return vc.handleFault(pc, false, 0)
	}

	start := time.Now()
	var result jit.ExecResult
	wasJIT := false
	if vc.JIT != nil {
		if cb, ok := vc.lookupCompiled(pc); ok {
			result = cb.Invoke(&vc.Regs)
			vc.Stats.JitExecuted.Add(1)
			wasJIT = true
		} else {
			result = vc.Interpreter.Run(vc.MMU, blk, &vc.Regs)
			vc.Stats.Interpreted.Add(1)
			vc.JIT.Detector.Observe(pc, uint64(time.Since(start).Nanoseconds()))
			if vc.JIT.Detector.Classify(pc) == jit.Hot {
				vc.JIT.Submit(pc, blk)
				vc.Stats.CompileSubmits.Add(1)
			}
		}
	} else {
		result = vc.Interpreter.Run(vc.MMU, blk, &vc.Regs)
		vc.Stats.Interpreted.Add(1)
	}

	vc.Stats.Steps.Add(1)
	return vc.handleStatus(pc, wasJIT, result)
}

// handleStatus implements §7's propagation policy: faults go through the
// trap handler (or default routing), interrupts through the IRQ policy,
// Halt stops the vCPU, Ok advances PC.
func (vc *VCPU) handleStatus(pc archx.GuestAddr, wasJIT bool, result jit.ExecResult) bool {
	switch result.Status {
	case jit.StatusOk:
		vc.Regs.PC = result.NextPC
		return true
	case jit.StatusHalt:
		vc.runFlag.Store(0)
		vc.stopped.Store(1)
		return false
	case jit.StatusFault:
		return vc.handleFault(pc, wasJIT, result.FaultCause)
	case jit.StatusInterruptPending:
		return vc.handleIRQ(result.FaultCause)
	default:
		return vc.handleFault(pc, wasJIT, 0)
	}
}

func (vc *VCPU) handleFault(pc archx.GuestAddr, wasJIT bool, cause uint32) bool {
	vc.Stats.Faults.Add(1)
	if wasJIT && vc.JIT != nil {
		// A fault out of a compiled block deoptimizes it: drop it from the
		// cache and fall back to the interpreter, lengthening the block's
		// re-promotion backoff (§4.F deoptimization_count).
		vc.invalidateCompiled(pc)
		vc.JIT.Detector.RecordDeopt(pc)
	}
	action := ActionAbort
	if vc.Trap != nil {
		action = vc.Trap.HandleTrap(cause, vc)
	} else {
		action = vc.defaultTrapRoute(cause, false)
	}
	switch action {
	case ActionRetry:
		return true
	case ActionContinue, ActionInjectState, ActionMask, ActionDeliver:
		return true
	default: // ActionAbort
		vc.runFlag.Store(0)
		vc.stopped.Store(1)
		return false
	}
}

func (vc *VCPU) handleIRQ(vector uint32) bool {
	action := ActionContinue
	if vc.IRQ != nil {
		action = vc.IRQ.HandleIRQ(vector, vc)
	} else {
		action = vc.defaultTrapRoute(vector, true)
	}
	if action == ActionAbort {
		vc.runFlag.Store(0)
		vc.stopped.Store(1)
		return false
	}
	return true
}

// defaultTrapRoute implements §6's RISC-V-style vectored dispatch: when no
// handler is registered, vector the PC through mtvec/stvec held in CSR 0x305
// (mtvec) the way a bare-metal guest would expect, then continue execution
// at the vectored target. Direct mode (low 2 bits clear) always targets the
// base; vectored mode adds 4*cause for interrupts only.
func (vc *VCPU) defaultTrapRoute(cause uint32, interrupt bool) TrapAction {
	const mtvecCSR = 0x305
	if vc.Regs.CSR == nil {
		vc.Logger.Warn("no trap handler and no csr file, aborting vcpu", "vcpu", vc.ID, "cause", cause)
		return ActionAbort
	}
	mtvec, ok := vc.Regs.CSR[mtvecCSR]
	if !ok {
		vc.Logger.Warn("no trap handler and mtvec unset, aborting vcpu", "vcpu", vc.ID, "cause", cause)
		return ActionAbort
	}
	base := mtvec &^ 0x3
	vectored := mtvec&0x3 == 1
	target := base
	if vectored && interrupt {
		target = base + 4*uint64(cause&0xfff)
	}
	vc.Logger.Debug("default trap routing", "vcpu", vc.ID, "cause", cause, "target", target, "vectored", vectored)
	vc.Regs.PC = archx.GuestAddr(target)
	return ActionContinue
}

// Run drives the steady-state loop until Step returns false or MaxSteps is
// reached (§4.G pseudocode's outer `while run_flag and step < max_steps`).
func (vc *VCPU) Run() {
	var steps uint64
	for steps < vc.MaxSteps {
		if !vc.Step() {
			return
		}
		steps++
	}
}
