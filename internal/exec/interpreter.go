// Package exec implements the per-vCPU execution driver (§4.G): the
// steady-state decode/dispatch loop, the three multi-vCPU models, default
// trap routing, and the pluggable trap-handler/IRQ-policy contracts.
package exec

import (
	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/ir"
	"github.com/tinyrange/uvm/internal/jit"
	"github.com/tinyrange/uvm/internal/mmu"
	"github.com/tinyrange/uvm/internal/vmerr"
)

// Decoder lifts one IR block starting at pc. Implementations are
// per-guest-arch; the execution driver never decodes itself (§6 "External
// collaborator contracts consumed").
type Decoder interface {
	Decode(m *mmu.MMU, pc archx.GuestAddr) (*ir.Block, error)
}

// Interpreter executes one IR block directly against a register file,
// without going through the JIT (§4.G "interpreter.run").
type Interpreter struct {
	IsUser bool
}

// Run executes blk's ops then resolves its terminator, returning the
// structured result the execution loop dispatches on.
func (in *Interpreter) Run(m *mmu.MMU, blk *ir.Block, regs *jit.RegFile) jit.ExecResult {
	for _, op := range blk.Ops {
		if err := in.execOp(m, op, regs); err != nil {
			return jit.ExecResult{Status: jit.StatusFault, FaultCause: uint32(ir.FaultIllegalInstruction)}
		}
	}
	return in.resolveTerm(blk, regs)
}

func (in *Interpreter) reg(regs *jit.RegFile, v ir.VReg) uint64 {
	if int(v) >= len(regs.GPR) {
		return 0
	}
	return regs.GPR[v]
}

func (in *Interpreter) setReg(regs *jit.RegFile, v ir.VReg, val uint64) {
	if int(v) >= len(regs.GPR) {
		return
	}
	regs.GPR[v] = val
}

// execOp applies one IR op to regs, reading/writing guest memory through m
// for Load/Store/AtomicRMW and the CSR map for CSR ops.
func (in *Interpreter) execOp(m *mmu.MMU, op ir.Op, regs *jit.RegFile) error {
	a := in.reg(regs, op.Src1)
	b := in.reg(regs, op.Src2)

	switch op.Kind {
	case ir.OpAdd:
		in.setReg(regs, op.Dst, a+b+op.Imm)
	case ir.OpSub:
		in.setReg(regs, op.Dst, a-b)
	case ir.OpMul:
		in.setReg(regs, op.Dst, a*b)
	case ir.OpUDiv:
		in.setReg(regs, op.Dst, udiv(a, b, op.Width))
	case ir.OpSDiv:
		in.setReg(regs, op.Dst, sdiv(a, b, op.Width))
	case ir.OpURem:
		in.setReg(regs, op.Dst, urem(a, b, op.Width))
	case ir.OpSRem:
		in.setReg(regs, op.Dst, srem(a, b, op.Width))
	case ir.OpAnd:
		in.setReg(regs, op.Dst, a&b)
	case ir.OpOr:
		in.setReg(regs, op.Dst, a|b)
	case ir.OpXor:
		in.setReg(regs, op.Dst, a^b)
	case ir.OpShl:
		in.setReg(regs, op.Dst, a<<(b&63))
	case ir.OpShr:
		in.setReg(regs, op.Dst, a>>(b&63))
	case ir.OpSar:
		in.setReg(regs, op.Dst, uint64(int64(a)>>(b&63)))
	case ir.OpCmp:
		if a == b {
			in.setReg(regs, op.Dst, 1)
		} else {
			in.setReg(regs, op.Dst, 0)
		}
	case ir.OpSelect:
		if a != 0 {
			in.setReg(regs, op.Dst, b)
		} else {
			in.setReg(regs, op.Dst, op.Imm)
		}
	case ir.OpMove:
		if op.Src1 != 0 {
			in.setReg(regs, op.Dst, a)
		} else {
			in.setReg(regs, op.Dst, op.Imm)
		}
	case ir.OpLoad:
		size := widthBytes(op.Width)
		v, err := m.ReadVirt(archx.GuestAddr(a+op.Imm), size, in.IsUser)
		if err != nil {
			return err
		}
		in.setReg(regs, op.Dst, v)
	case ir.OpStore:
		size := widthBytes(op.Width)
		if err := m.WriteVirt(archx.GuestAddr(a+op.Imm), size, b, in.IsUser); err != nil {
			return err
		}
	case ir.OpAtomicRMW:
		// Atomics act as full fences unless Order specifies weaker (§5).
		// The host CAS/RMW loop is approximated here as read-modify-write
		// under the MMU's own synchronization, which already serializes
		// same-address 4/8-byte accesses (§5 "Shared-resource policy").
		size := widthBytes(op.Width)
		addr := archx.GuestAddr(a)
		old, err := m.ReadVirt(addr, size, in.IsUser)
		if err != nil {
			return err
		}
		if err := m.WriteVirt(addr, size, old+b, in.IsUser); err != nil {
			return err
		}
		in.setReg(regs, op.Dst, old)
	case ir.OpCSRRead:
		if regs.CSR != nil {
			in.setReg(regs, op.Dst, regs.CSR[op.CSR])
		}
	case ir.OpCSRWrite:
		if regs.CSR == nil {
			regs.CSR = make(map[uint32]uint64)
		}
		regs.CSR[op.CSR] = a
	default:
		return &vmerr.DecodeError{PC: blockPC(regs), Message: "unsupported IR op in interpreter"}
	}
	return nil
}

func blockPC(regs *jit.RegFile) archx.GuestAddr { return regs.PC }

func widthBytes(w ir.Width) int {
	switch w {
	case ir.Width8, ir.Width16, ir.Width32, ir.Width64:
		return int(w)
	default:
		return 8
	}
}

// Division-by-zero and signed-overflow policy (§8 "Boundary behaviors"):
// quotient = all-ones of width, remainder = dividend; signed MIN / -1
// returns MIN with remainder 0.
func udiv(a, b uint64, w ir.Width) uint64 {
	if b == 0 {
		return maskWidth(^uint64(0), w)
	}
	return maskWidth(a/b, w)
}

func urem(a, b uint64, w ir.Width) uint64 {
	if b == 0 {
		return maskWidth(a, w)
	}
	return maskWidth(a%b, w)
}

func sdiv(a, b uint64, w ir.Width) uint64 {
	sa, sb := signExtend(a, w), signExtend(b, w)
	if sb == 0 {
		return sextResult(-1, w)
	}
	minVal, isMin := widthMin(w)
	if isMin && sa == minVal && sb == -1 {
		return sextResult(minVal, w)
	}
	return sextResult(sa/sb, w)
}

func srem(a, b uint64, w ir.Width) uint64 {
	sa, sb := signExtend(a, w), signExtend(b, w)
	if sb == 0 {
		return sextResult(sa, w)
	}
	minVal, isMin := widthMin(w)
	if isMin && sa == minVal && sb == -1 {
		return 0
	}
	return sextResult(sa%sb, w)
}

// sextResult sign-extends a width-w signed result into a full 64-bit value,
// the narrower word forms (e.g. RISC-V DIVW/REMW) sign-extend their 32-bit
// result into the 64-bit destination rather than zero-filling it.
func sextResult(v int64, w ir.Width) uint64 {
	switch w {
	case ir.Width8:
		return uint64(int64(int8(v)))
	case ir.Width16:
		return uint64(int64(int16(v)))
	case ir.Width32:
		return uint64(int64(int32(v)))
	default:
		return uint64(v)
	}
}

func maskWidth(v uint64, w ir.Width) uint64 {
	switch w {
	case ir.Width8:
		return v & 0xff
	case ir.Width16:
		return v & 0xffff
	case ir.Width32:
		return v & 0xffffffff
	default:
		return v
	}
}

func signExtend(v uint64, w ir.Width) int64 {
	switch w {
	case ir.Width8:
		return int64(int8(v))
	case ir.Width16:
		return int64(int16(v))
	case ir.Width32:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func widthMin(w ir.Width) (int64, bool) {
	switch w {
	case ir.Width8:
		return int64(int8(-128)), true
	case ir.Width16:
		return int64(int16(-32768)), true
	case ir.Width32:
		return int64(int32(-2147483648)), true
	default:
		return int64(-9223372036854775808), true
	}
}

// resolveTerm implements §4.G's terminator resolution table.
func (in *Interpreter) resolveTerm(blk *ir.Block, regs *jit.RegFile) jit.ExecResult {
	term := blk.Term
	switch term.Kind {
	case ir.TermJmp:
		if term.Target == blk.StartPC {
			return jit.ExecResult{Status: jit.StatusHalt, NextPC: term.Target}
		}
		return jit.ExecResult{Status: jit.StatusOk, NextPC: term.Target}
	case ir.TermCondJmp:
		if in.reg(regs, term.CondReg) != 0 {
			return jit.ExecResult{Status: jit.StatusOk, NextPC: term.Target}
		}
		return jit.ExecResult{Status: jit.StatusOk, NextPC: term.TargetF}
	case ir.TermJmpReg:
		target := archx.GuestAddr(int64(in.reg(regs, term.BaseReg)) + term.Offset)
		if target == blk.StartPC {
			return jit.ExecResult{Status: jit.StatusHalt, NextPC: target}
		}
		return jit.ExecResult{Status: jit.StatusOk, NextPC: target}
	case ir.TermRet:
		return jit.ExecResult{Status: jit.StatusHalt, NextPC: term.ReturnPC}
	case ir.TermCall:
		return jit.ExecResult{Status: jit.StatusOk, NextPC: term.Target}
	case ir.TermFault:
		return jit.ExecResult{Status: jit.StatusFault, FaultCause: uint32(term.Cause)}
	case ir.TermInterrupt:
		return jit.ExecResult{Status: jit.StatusInterruptPending, FaultCause: term.Vector}
	default:
		return jit.ExecResult{Status: jit.StatusFault, FaultCause: uint32(ir.FaultIllegalInstruction)}
	}
}
