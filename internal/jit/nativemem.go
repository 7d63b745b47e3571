//go:build linux

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func uintptrOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

// nativeRegion is a page-aligned mmap'd region holding one compiled block's
// host bytes, toggled W^X the same way the teacher's asm package preps a
// trampoline before executing it (internal/asm/amd64/exec.go
// createAssemblyTrampoline): allocate RW, copy in, then mprotect RX.
type nativeRegion struct {
	mem   []byte
	entry uintptr
}

func pageRoundUp(n int) int {
	ps := unix.Getpagesize()
	return ((n + ps - 1) / ps) * ps
}

// mapExecutable copies code into a fresh RX mapping and returns the region.
func mapExecutable(code []byte) (*nativeRegion, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("jit: empty code region")
	}
	size := pageRoundUp(len(code))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap code region: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("jit: mprotect code region: %w", err)
	}
	return &nativeRegion{mem: mem, entry: uintptrOf(mem)}, nil
}

// makeWritable flips a region back to RW. Nothing in this module calls it.
func (r *nativeRegion) makeWritable() error {
	return unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_WRITE)
}

func (r *nativeRegion) makeExecutable() error {
	return unix.Mprotect(r.mem, unix.PROT_READ|unix.PROT_EXEC)
}

func (r *nativeRegion) release() error {
	return unix.Munmap(r.mem)
}
