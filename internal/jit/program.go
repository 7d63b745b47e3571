package jit

import "github.com/tinyrange/uvm/internal/archx"

// ExecStatus is the structured result a compiled block's native entry point
// produces on return (§4.F "Code generation").
type ExecStatus int

const (
	StatusOk ExecStatus = iota
	StatusFault
	StatusInterruptPending
	StatusHalt
)

// ExecResult is what a compiled block communicates back to the execution
// driver: the next guest PC plus a status (and, for StatusFault, a cause).
type ExecResult struct {
	NextPC     archx.GuestAddr
	Status     ExecStatus
	FaultCause uint32
}

// RegFile is the per-vCPU register file a compiled block reads from and
// writes to. Compiled code is handed a pointer to this struct in a fixed
// host register/argument slot, per §4.F.
type RegFile struct {
	GPR [32]uint64
	PC  archx.GuestAddr
	CSR map[uint32]uint64
}

// Program is a compiled block: host-native bytes plus the entry_point
// offset into them, modeled directly on the teacher's asm.Program
// (internal/asm/common.go) but scoped to JIT output rather than a general
// assembler.
type Program struct {
	Code        []byte
	EntryOffset int
	Arch        archx.Arch
}

func (p Program) Clone() Program {
	return Program{Code: append([]byte(nil), p.Code...), EntryOffset: p.EntryOffset, Arch: p.Arch}
}

// CompiledBlock pairs a Program with the mapped executable region backing
// it and a Go trampoline for calling into it.
type CompiledBlock struct {
	Program Program
	region  *nativeRegion
	call    func(regs *RegFile) ExecResult
}

// Entry returns the host entry address of the compiled code.
func (b *CompiledBlock) Entry() uintptr { return b.region.entry + uintptr(b.Program.EntryOffset) }

// Invoke executes the compiled block against regs.
func (b *CompiledBlock) Invoke(regs *RegFile) ExecResult {
	return b.call(regs)
}

// Release unmaps the block's executable memory. The execution driver calls
// it when it invalidates a compiled block (§4.E "Invalidation"); a code
// cache eviction does not call it.
func (b *CompiledBlock) Release() error {
	if b.region == nil {
		return nil
	}
	return b.region.release()
}
