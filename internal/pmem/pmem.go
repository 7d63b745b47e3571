// Package pmem implements the flat, size-bounded physical memory backing
// a vCPU's guest address space (§4.A). Alignment is not enforced here —
// that is the MMU's job (§4.D) — only bounds checking is.
package pmem

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/uvm/internal/vmerr"
)

// HugePageHint requests (but does not guarantee) huge-page backing. It is
// a hint, never a semantic difference (§4.A).
type HugePageHint bool

const (
	HugePagesOff HugePageHint = false
	HugePagesOn  HugePageHint = true
)

// Memory is a fixed-size byte array allocated once at construction.
type Memory struct {
	buf []byte
}

// New allocates size bytes of physical memory; only the backing array's
// capacity is rounded up to a page, so accesses at or past size fail.
// huge is advisory only: in this pure-Go implementation it affects nothing
// but is plumbed through so callers building on top of mmap-backed memory
// (see internal/jit, which does use real mmap) have a consistent knob.
func New(size uint64, huge HugePageHint) *Memory {
	rounded, _ := hostarch.Addr(size).RoundUp()
	return &Memory{buf: make([]byte, uint64(rounded))[:size]}
}

// NewFromImage allocates memory of exactly len(image) bytes and copies
// image into it.
func NewFromImage(image []byte, huge HugePageHint) *Memory {
	m := New(uint64(len(image)), huge)
	copy(m.buf, image)
	return m
}

func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

func (m *Memory) checkBounds(offset uint64, size int) error {
	if offset+uint64(size) < offset || offset+uint64(size) > uint64(len(m.buf)) {
		return &vmerr.BoundsError{Offset: offset, Size: size, Limit: uint64(len(m.buf))}
	}
	return nil
}

func (m *Memory) ReadU8(offset uint64) (uint8, error) {
	if err := m.checkBounds(offset, 1); err != nil {
		return 0, err
	}
	return m.buf[offset], nil
}

func (m *Memory) WriteU8(offset uint64, v uint8) error {
	if err := m.checkBounds(offset, 1); err != nil {
		return err
	}
	m.buf[offset] = v
	return nil
}

func (m *Memory) ReadU16(offset uint64) (uint16, error) {
	if err := m.checkBounds(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.buf[offset:]), nil
}

func (m *Memory) WriteU16(offset uint64, v uint16) error {
	if err := m.checkBounds(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.buf[offset:], v)
	return nil
}

func (m *Memory) ReadU32(offset uint64) (uint32, error) {
	if err := m.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.buf[offset:]), nil
}

func (m *Memory) WriteU32(offset uint64, v uint32) error {
	if err := m.checkBounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.buf[offset:], v)
	return nil
}

func (m *Memory) ReadU64(offset uint64) (uint64, error) {
	if err := m.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.buf[offset:]), nil
}

func (m *Memory) WriteU64(offset uint64, v uint64) error {
	if err := m.checkBounds(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.buf[offset:], v)
	return nil
}

// ReadBytes copies into dst from offset, failing if the range is
// out-of-bounds. Used by the page-table walker to fetch whole PTEs and by
// block decoders to fetch raw instruction bytes.
func (m *Memory) ReadBytes(offset uint64, dst []byte) error {
	if err := m.checkBounds(offset, len(dst)); err != nil {
		return err
	}
	copy(dst, m.buf[offset:])
	return nil
}

func (m *Memory) WriteBytes(offset uint64, src []byte) error {
	if err := m.checkBounds(offset, len(src)); err != nil {
		return err
	}
	copy(m.buf[offset:], src)
	return nil
}

// Resize always fails. Physical Memory is notionally fixed-size (§9 Open
// Questions: the source's increment_mmu_size() behavior is
// under-specified); growing it in place is unsupported.
func (m *Memory) Resize(newSize uint64) error {
	return &vmerr.InvalidConfig{Field: "memory.size", Message: "physical memory cannot be resized after construction"}
}
