package archx

import (
	"runtime"
	"testing"
)

func TestArchValid(t *testing.T) {
	valid := []Arch{ArchX86_64, ArchARM64, ArchRISCV64}
	for _, a := range valid {
		if !a.Valid() {
			t.Errorf("%s.Valid() = false, want true", a)
		}
	}
	if ArchInvalid.Valid() {
		t.Errorf("ArchInvalid.Valid() = true, want false")
	}
}

func TestFetchSize(t *testing.T) {
	tests := []struct {
		a    Arch
		want int
	}{
		{ArchARM64, 4},
		{ArchRISCV64, 4},
		{ArchX86_64, 15},
		{ArchInvalid, 0},
	}
	for _, tc := range tests {
		if got := tc.a.FetchSize(); got != tc.want {
			t.Errorf("%s.FetchSize() = %d, want %d", tc.a, got, tc.want)
		}
	}
}

func TestPagingLevels(t *testing.T) {
	tests := []struct {
		m    PagingMode
		want int
	}{
		{PagingBare, 0},
		{PagingSv39, 3},
		{PagingSv48, 4},
	}
	for _, tc := range tests {
		if got := tc.m.Levels(); got != tc.want {
			t.Errorf("%s.Levels() = %d, want %d", tc.m, got, tc.want)
		}
	}
}

func TestPermFlagsSatisfies(t *testing.T) {
	rw := PermRead | PermWrite
	if !rw.Satisfies(AccessRead) {
		t.Error("rw should satisfy read")
	}
	if !rw.Satisfies(AccessWrite) {
		t.Error("rw should satisfy write")
	}
	if rw.Satisfies(AccessExecute) {
		t.Error("rw should not satisfy execute")
	}
	if !rw.Satisfies(AccessAtomic) {
		t.Error("rw should satisfy atomic (requires both read and write)")
	}
	ro := PermRead
	if ro.Satisfies(AccessAtomic) {
		t.Error("read-only should not satisfy atomic")
	}
}

func TestVPNAndPageOffset(t *testing.T) {
	va := GuestAddr(0x1000 + 0x123)
	if got := VPN(va); got != 1 {
		t.Errorf("VPN(%#x) = %d, want 1", va, got)
	}
	if got := PageOffset(va); got != 0x123 {
		t.Errorf("PageOffset(%#x) = %#x, want 0x123", va, got)
	}
}

func TestArchNativeMatchesRuntimeGOARCH(t *testing.T) {
	if ArchNative == "" {
		t.Fatal("ArchNative must be initialized by init()")
	}
	want := map[string]Arch{"amd64": ArchX86_64, "arm64": ArchARM64, "riscv64": ArchRISCV64}[runtime.GOARCH]
	if want == "" {
		want = ArchInvalid
	}
	if ArchNative != want {
		t.Fatalf("ArchNative = %q for GOARCH %q, want %q", ArchNative, runtime.GOARCH, want)
	}
}
