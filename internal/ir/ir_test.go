package ir

import "testing"

func TestBuilderNewVRegAllocatesSequentially(t *testing.T) {
	b := NewBuilder(0)
	r0 := b.NewVReg()
	r1 := b.NewVReg()
	r2 := b.NewVReg()
	if r0 != 0 || r1 != 1 || r2 != 2 {
		t.Fatalf("vregs = %d,%d,%d, want 0,1,2", r0, r1, r2)
	}
}

func TestFinishCopiesOpsIndependentlyOfBuilder(t *testing.T) {
	b := NewBuilder(0x1000)
	x := b.NewVReg()
	b.Emit(Op{Kind: OpMove, Dst: x, Imm: 1})
	blk := b.Finish(Terminator{Kind: TermRet, ReturnPC: 0x2000})

	b.Emit(Op{Kind: OpMove, Dst: x, Imm: 2})

	if len(blk.Ops) != 1 {
		t.Fatalf("Finish-returned block grew after further Emit calls: len=%d", len(blk.Ops))
	}
	if blk.Ops[0].Imm != 1 {
		t.Fatalf("blk.Ops[0].Imm = %d, want 1 (unaffected by later builder mutation)", blk.Ops[0].Imm)
	}
	if blk.StartPC != 0x1000 {
		t.Fatalf("StartPC = %#x, want 0x1000", blk.StartPC)
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	b := NewBuilder(0)
	x := b.NewVReg()
	b.Emit(Op{Kind: OpMove, Dst: x, Imm: 7})
	blk := b.Finish(Terminator{Kind: TermRet})

	clone := blk.Clone()
	clone.Ops[0].Imm = 99
	clone.Term.Kind = TermFault

	if blk.Ops[0].Imm != 7 {
		t.Fatalf("mutating clone's Ops leaked into original: %d", blk.Ops[0].Imm)
	}
	if blk.Term.Kind != TermRet {
		t.Fatalf("mutating clone's Term leaked into original: %v", blk.Term.Kind)
	}
}

func TestIsEffectfulClassifiesMemoryAndSystemOps(t *testing.T) {
	effectful := []OpKind{OpLoad, OpStore, OpAtomicRMW, OpCSRRead, OpCSRWrite, OpVendorExt}
	for _, k := range effectful {
		if !k.IsEffectful() {
			t.Errorf("OpKind %v should be effectful", k)
		}
	}
	pure := []OpKind{OpAdd, OpSub, OpMul, OpAnd, OpMove, OpCmp, OpSelect}
	for _, k := range pure {
		if k.IsEffectful() {
			t.Errorf("OpKind %v should not be effectful", k)
		}
	}
}

func TestWidthConstantsAreByteCounts(t *testing.T) {
	cases := map[Width]int{Width8: 1, Width16: 2, Width32: 4, Width64: 8}
	for w, want := range cases {
		if int(w) != want {
			t.Errorf("Width %v = %d, want %d", w, int(w), want)
		}
	}
}
