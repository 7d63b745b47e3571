//go:build darwin

package jit

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// On Darwin we dlopen libSystem and bind mmap/mprotect/munmap directly,
// the same purego.Dlopen + RegisterLibFunc technique the teacher uses to
// bind Hypervisor.framework (internal/hv/hvf/bindings), rather than relying
// on a cgo-backed syscall package.
var (
	loadOnce sync.Once
	loadErr  error

	libSystem uintptr

	c_mmap     func(addr uintptr, length uintptr, prot int32, flags int32, fd int32, offset int64) uintptr
	c_mprotect func(addr uintptr, length uintptr, prot int32) int32
	c_munmap   func(addr uintptr, length uintptr) int32
	c_getpagesize func() int32
)

const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4

	mapPrivate = 0x0002
	mapAnon    = 0x1000
)

func load() error {
	loadOnce.Do(func() {
		var err error
		libSystem, err = purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = fmt.Errorf("jit: purego dlopen libSystem: %w", err)
			return
		}
		purego.RegisterLibFunc(&c_mmap, libSystem, "mmap")
		purego.RegisterLibFunc(&c_mprotect, libSystem, "mprotect")
		purego.RegisterLibFunc(&c_munmap, libSystem, "munmap")
		purego.RegisterLibFunc(&c_getpagesize, libSystem, "getpagesize")
	})
	return loadErr
}

type nativeRegion struct {
	addr  uintptr
	size  uintptr
	entry uintptr
}

func pageRoundUpDarwin(n int, ps int) int {
	return ((n + ps - 1) / ps) * ps
}

func mapExecutable(code []byte) (*nativeRegion, error) {
	if err := load(); err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("jit: empty code region")
	}
	ps := int(c_getpagesize())
	size := pageRoundUpDarwin(len(code), ps)
	addr := c_mmap(0, uintptr(size), protRead|protWrite, mapPrivate|mapAnon, -1, 0)
	if int64(addr) == -1 {
		return nil, fmt.Errorf("jit: mmap code region failed")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	copy(dst, code)
	if ret := c_mprotect(addr, uintptr(size), protRead|protExec); ret != 0 {
		c_munmap(addr, uintptr(size))
		return nil, fmt.Errorf("jit: mprotect code region failed")
	}
	return &nativeRegion{addr: addr, size: uintptr(size), entry: addr}, nil
}

func (r *nativeRegion) makeWritable() error {
	if ret := c_mprotect(r.addr, r.size, protRead|protWrite); ret != 0 {
		return fmt.Errorf("jit: mprotect RW failed")
	}
	return nil
}

func (r *nativeRegion) makeExecutable() error {
	if ret := c_mprotect(r.addr, r.size, protRead|protExec); ret != 0 {
		return fmt.Errorf("jit: mprotect RX failed")
	}
	return nil
}

func (r *nativeRegion) release() error {
	if ret := c_munmap(r.addr, r.size); ret != 0 {
		return fmt.Errorf("jit: munmap failed")
	}
	return nil
}
