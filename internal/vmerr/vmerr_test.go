package vmerr

import (
	"errors"
	"testing"

	"github.com/tinyrange/uvm/internal/archx"
)

func TestInternalIsErrInternal(t *testing.T) {
	err := &Internal{Message: "invariant broke"}
	if !errors.Is(err, ErrInternal) {
		t.Fatal("errors.Is(err, ErrInternal) = false, want true")
	}
}

func TestJitErrorUnwrap(t *testing.T) {
	cause := errors.New("codegen failed")
	pc := archx.GuestAddr(0x1000)
	err := &JitError{Message: "compile failed", PC: &pc, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is(err, cause) = false, want true")
	}
	if got := err.Error(); got == "" {
		t.Fatal("Error() returned empty string")
	}
}

func TestJitErrorWithoutPC(t *testing.T) {
	err := &JitError{Message: "queue setup failed"}
	want := "jit error: queue setup failed"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{PC: archx.GuestAddr(0x2000), Message: "unsupported opcode"}
	want := "decode error at pc=0x2000: unsupported opcode"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	if errors.Is(ErrResourceExhausted, ErrInternal) {
		t.Fatal("ErrResourceExhausted must not satisfy errors.Is(ErrInternal)")
	}
	if errors.Is(ErrArchitectureIncompatible, ErrResourceCeilingExceeded) {
		t.Fatal("the two cross-architecture sentinels must be distinct")
	}
}
