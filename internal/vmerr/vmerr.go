// Package vmerr defines the error kinds propagated out of the VM core
// (§7 of the design). Sentinel errors support errors.Is comparisons;
// structured types carry the context a trap handler or caller needs.
package vmerr

import (
	"errors"
	"fmt"

	"github.com/tinyrange/uvm/internal/archx"
)

// Sentinels for conditions callers commonly test for directly.
var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInternal          = errors.New("internal invariant violated")
	ErrUnsupported       = errors.New("unsupported operation")
)

// DecodeError reports a malformed or unsupported instruction at pc.
type DecodeError struct {
	PC      archx.GuestAddr
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at pc=0x%x: %s", uint64(e.PC), e.Message)
}

// AlignmentFault reports a misaligned access where strict alignment is
// enforced.
type AlignmentFault struct {
	Addr archx.GuestAddr
	Size int
}

func (e *AlignmentFault) Error() string {
	return fmt.Sprintf("alignment fault: addr=0x%x size=%d", uint64(e.Addr), e.Size)
}

// PageFault reports a translation failure: either no valid mapping, or one
// that does not grant the requested access.
type PageFault struct {
	VA     archx.GuestAddr
	Access archx.AccessType
	Write  bool
	User   bool
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("page fault: va=0x%x access=%s write=%t user=%t", uint64(e.VA), e.Access, e.Write, e.User)
}

// PermissionFault reports a TLB/PTE hit whose flags lack the bit required
// by the access type (§3 TLB Entry invariant).
type PermissionFault struct {
	VA     archx.GuestAddr
	Access archx.AccessType
}

func (e *PermissionFault) Error() string {
	return fmt.Sprintf("permission fault: va=0x%x access=%s", uint64(e.VA), e.Access)
}

// BoundsError reports an out-of-range physical memory access.
type BoundsError struct {
	Offset uint64
	Size   int
	Limit  uint64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("bounds error: offset=0x%x size=%d limit=0x%x", e.Offset, e.Size, e.Limit)
}

// JitError reports a compilation or codegen failure. PC is nil when the
// failure is not attributable to a single guest block (e.g. queue setup).
type JitError struct {
	Message string
	PC      *archx.GuestAddr
	Err     error
}

func (e *JitError) Error() string {
	if e.PC != nil {
		return fmt.Sprintf("jit error at pc=0x%x: %s", uint64(*e.PC), e.Message)
	}
	return fmt.Sprintf("jit error: %s", e.Message)
}

func (e *JitError) Unwrap() error { return e.Err }

// InvalidConfig reports a field-level configuration validation failure.
type InvalidConfig struct {
	Field   string
	Message string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("invalid config: field=%q: %s", e.Field, e.Message)
}

// Internal reports a non-recoverable invariant violation. It always wraps
// ErrInternal so callers can classify it with errors.Is.
type Internal struct {
	Message string
}

func (e *Internal) Error() string   { return fmt.Sprintf("internal error: %s", e.Message) }
func (e *Internal) Unwrap() error   { return ErrInternal }
func (e *Internal) Is(t error) bool { return t == ErrInternal }

// ErrArchitectureIncompatible is one of the two cross-architecture-translation
// business-rule sentinels called out by SPEC_FULL's original_source
// supplement.
var ErrArchitectureIncompatible = errors.New("source and target architectures are incompatible for translation")

// ErrResourceCeilingExceeded is the other cross-architecture-translation
// business-rule sentinel.
var ErrResourceCeilingExceeded = errors.New("translation would exceed configured resource ceiling")
