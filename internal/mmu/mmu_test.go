package mmu

import (
	"testing"

	"github.com/tinyrange/uvm/internal/archx"
	"github.com/tinyrange/uvm/internal/tlb"
)

func TestBareModeReadWriteVirtRoundTrip(t *testing.T) {
	m := New(Config{MemorySize: 4096, Mode: archx.PagingBare})
	if err := m.WriteVirt(archx.GuestAddr(16), 4, 0xcafef00d, false); err != nil {
		t.Fatalf("WriteVirt: %v", err)
	}
	got, err := m.ReadVirt(archx.GuestAddr(16), 4, false)
	if err != nil {
		t.Fatalf("ReadVirt: %v", err)
	}
	if got != 0xcafef00d {
		t.Fatalf("ReadVirt = %#x, want 0xcafef00d", got)
	}
}

func TestStrictAlignRejectsMisalignedAccess(t *testing.T) {
	m := New(Config{MemorySize: 4096, Mode: archx.PagingBare, StrictAlign: true})
	if err := m.WriteVirt(archx.GuestAddr(3), 4, 1, false); err == nil {
		t.Fatal("expected an alignment fault for a 4-byte write at an unaligned offset")
	}
}

func TestFetchInstructionUsesArchFetchSize(t *testing.T) {
	m := New(Config{MemorySize: 4096, Mode: archx.PagingBare})
	buf, err := m.FetchInstruction(archx.GuestAddr(0), archx.ArchARM64, false)
	if err != nil {
		t.Fatalf("FetchInstruction: %v", err)
	}
	if len(buf) != 4 {
		t.Fatalf("len(buf) = %d, want 4 for ARM64", len(buf))
	}
}

func TestSetPagingBaseFlushesOldASID(t *testing.T) {
	m := New(Config{MemorySize: 1 << 20, Mode: archx.PagingSv39, TLBVariant: TLBBasic, TLBCapacity: 16, ASID: 1})
	m.TLB().Insert(tlb.Entry{VPN: 1, ASID: 1, PPN: 2, Flags: archx.PermRead})

	m.SetPagingBase(archx.PagingSv39, 2, 0x100)

	if _, ok := m.TLB().Lookup(1, 1); ok {
		t.Fatal("old ASID's entry survived a paging-base change that must flush it")
	}
}
