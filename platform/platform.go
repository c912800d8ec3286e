// Package platform wraps the small set of OS services the VM needs: page
// mappings for the heap and interpreter stacks, and memory-mapped files for
// package I/O.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemAllocationError reports a failed mmap or related OS call.
type SystemAllocationError struct {
	Errno error
}

func (e *SystemAllocationError) Error() string {
	return fmt.Sprintf("system allocation failed: %v", e.Errno)
}

func (e *SystemAllocationError) Unwrap() error { return e.Errno }

// Mapping is an anonymous read-write region obtained from the kernel.
// Base is aligned to the alignment requested at creation; the raw mapping
// may be larger to achieve that alignment.
type Mapping struct {
	raw  []byte
	Base uintptr
	Size uintptr
}

// NewMapping maps size bytes of zeroed anonymous memory with Base aligned
// to align. align must be a power of two.
func NewMapping(size, align uintptr) (*Mapping, error) {
	if align&(align-1) != 0 {
		panic("alignment must be a power of two")
	}
	raw, err := unix.Mmap(-1, 0, int(size+align), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &SystemAllocationError{Errno: err}
	}
	base := addressOf(raw)
	aligned := (base + align - 1) &^ (align - 1)
	return &Mapping{raw: raw, Base: aligned, Size: size}, nil
}

// Release returns the mapping to the kernel. The region must not be touched
// afterwards.
func (m *Mapping) Release() error {
	if m.raw == nil {
		return nil
	}
	err := unix.Munmap(m.raw)
	m.raw = nil
	return err
}

func addressOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return sliceBase(b)
}
