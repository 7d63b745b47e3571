// Package ir defines the architecture-neutral intermediate representation
// guest instruction blocks are lifted to (§3 "IR Block"). Blocks are
// immutable once Finish is called; the optimizer, register allocator,
// scheduler, and code generator (internal/jit) consume and transform
// copies, never the original decode-time block.
package ir

import "github.com/tinyrange/uvm/internal/archx"

// VReg is a virtual register, unbound until the register-allocator stage.
type VReg uint32

// Width is an operand width in bytes for memory/arithmetic ops.
type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

// OpKind enumerates the pure and effectful operation kinds an IR Block can
// contain (§3).
type OpKind int

const (
	OpAdd OpKind = iota
	OpSub
	OpMul
	OpUDiv
	OpSDiv
	OpURem
	OpSRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
	OpCmp
	OpSelect
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpVAdd
	OpMove
	OpLoad
	OpStore
	OpAtomicRMW
	OpCSRRead
	OpCSRWrite
	OpVendorExt
)

func (k OpKind) IsEffectful() bool {
	switch k {
	case OpLoad, OpStore, OpAtomicRMW, OpCSRRead, OpCSRWrite, OpVendorExt:
		return true
	default:
		return false
	}
}

// AtomicOrder mirrors the guest ISA's memory-ordering annotation on an
// AtomicRMW op. Atomics act as full fences unless the order is explicitly
// weaker (§5 Ordering guarantees).
type AtomicOrder int

const (
	AtomicOrderSeqCst AtomicOrder = iota
	AtomicOrderAcquire
	AtomicOrderRelease
	AtomicOrderRelaxed
)

// Op is a single IR operation. Not every field is meaningful for every
// Kind; Load/Store address memory at Src1+Imm (Store writes Src2) and use
// Width/Align, arithmetic ops use Dst/Src1/Src2.
type Op struct {
	Kind   OpKind
	Dst    VReg
	Src1   VReg
	Src2   VReg
	Imm    uint64
	Width  Width
	Align  bool // when true, the access must be naturally aligned or fault
	Order  AtomicOrder
	CSR    uint32
	Vendor string // opaque vendor-extension mnemonic, e.g. riscv M-extension
}

// FaultCause identifies why a block's terminator is Fault.
type FaultCause int

const (
	FaultIllegalInstruction FaultCause = iota
	FaultBreakpoint
	FaultEnvCall
)

// TermKind enumerates the block terminator forms (§3).
type TermKind int

const (
	TermJmp TermKind = iota
	TermCondJmp
	TermJmpReg
	TermRet
	TermCall
	TermFault
	TermInterrupt
)

// Terminator is the single control transfer that ends every IR Block.
type Terminator struct {
	Kind       TermKind
	Target     archx.GuestAddr
	TargetF    archx.GuestAddr // false-branch target for CondJmp
	CondReg    VReg
	BaseReg    VReg
	Offset     int64
	ReturnPC   archx.GuestAddr // for Call
	Cause      FaultCause
	Vector     uint32
}

// Block is a straight-line, immutable-after-construction sequence of IR
// operations ending in exactly one Terminator.
type Block struct {
	StartPC archx.GuestAddr
	Ops     []Op
	Term    Terminator
}

// Builder assembles a Block incrementally; Finish returns an immutable
// copy so downstream passes cannot mutate the decoder's working buffer.
type Builder struct {
	startPC archx.GuestAddr
	ops     []Op
	nextReg VReg
}

func NewBuilder(startPC archx.GuestAddr) *Builder {
	return &Builder{startPC: startPC}
}

func (b *Builder) NewVReg() VReg {
	r := b.nextReg
	b.nextReg++
	return r
}

func (b *Builder) Emit(op Op) *Builder {
	b.ops = append(b.ops, op)
	return b
}

// Finish seals the block with the given terminator, returning an
// independent copy of the accumulated ops.
func (b *Builder) Finish(term Terminator) *Block {
	ops := make([]Op, len(b.ops))
	copy(ops, b.ops)
	return &Block{StartPC: b.startPC, Ops: ops, Term: term}
}

// Clone returns a deep copy of blk suitable for passing to a mutating
// optimizer pass without aliasing the original.
func (blk *Block) Clone() *Block {
	ops := make([]Op, len(blk.Ops))
	copy(ops, blk.Ops)
	return &Block{StartPC: blk.StartPC, Ops: ops, Term: blk.Term}
}
