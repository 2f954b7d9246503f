//go:build unix

// Package vmem provides the raw virtual-memory primitives the allocator core
// is built on: one large reservation made at startup, with page ranges
// committed, decommitted and protected on demand inside it.
//
// A reservation starts out inaccessible (PROT_NONE) and costs no physical
// memory. Commit makes a range readable and writable, Decommit hands the
// physical pages back to the kernel and makes the range inaccessible again.
// The reservation is only ever unmapped as a whole, in Release.
package vmem

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(os.Getpagesize())

// PageSize returns the system page size.
func PageSize() uintptr { return pageSize }

// RoundUpTo rounds x up to the next multiple of boundary.
// boundary must be a power of two.
func RoundUpTo(x, boundary uintptr) uintptr {
	return (x + boundary - 1) &^ (boundary - 1)
}

// RoundDownTo rounds x down to a multiple of boundary.
// boundary must be a power of two.
func RoundDownTo(x, boundary uintptr) uintptr {
	return x &^ (boundary - 1)
}

// IsAligned reports whether x is a multiple of boundary.
func IsAligned(x, boundary uintptr) bool {
	return x&(boundary-1) == 0
}

// IsPowerOfTwo reports whether x is a power of two. Zero is not.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}

// Space is a single contiguous address-space reservation.
//
// All addresses handed out by the allocators live inside one Space, which is
// what makes the fixed shadow transform possible: shadow addresses are derived
// from offsets within the reservation.
type Space struct {
	data     []byte
	base     uintptr
	released atomic.Bool
}

// Reserve maps size bytes of inaccessible private anonymous memory.
// size must be a non-zero multiple of the page size.
func Reserve(size uintptr) (*Space, error) {
	if size == 0 || !IsAligned(size, pageSize) {
		return nil, fmt.Errorf("vmem: reserve size %d is not page aligned", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, reserveFlags)
	if err != nil {
		return nil, fmt.Errorf("vmem: reserve %d bytes: %w", size, err)
	}
	return &Space{
		data: data,
		base: uintptr(unsafe.Pointer(&data[0])),
	}, nil
}

// Base returns the first address of the reservation.
func (s *Space) Base() uintptr { return s.base }

// Size returns the reservation size in bytes.
func (s *Space) Size() uintptr { return uintptr(len(s.data)) }

// End returns one past the last address of the reservation.
func (s *Space) End() uintptr { return s.base + uintptr(len(s.data)) }

// Contains reports whether p falls inside the reservation.
func (s *Space) Contains(p uintptr) bool {
	return p >= s.base && p < s.End()
}

// Slice returns the n bytes starting at address p as a byte slice.
// The range must lie entirely inside the reservation; accessing bytes of a
// range that was never committed faults. Slice does not check commit state,
// only bounds.
func (s *Space) Slice(p, n uintptr) []byte {
	if p < s.base || n > uintptr(len(s.data)) || p-s.base > uintptr(len(s.data))-n {
		panic(fmt.Sprintf("vmem: slice [%#x, %#x) outside reservation [%#x, %#x)",
			p, p+n, s.base, s.End()))
	}
	off := p - s.base
	return s.data[off : off+n : off+n]
}

// Commit makes [p, p+n) readable and writable. Both p and n must be page
// aligned. A range committed for the first time reads as zeroes; a range that
// went through Decommit may read as zeroes or stale contents depending on the
// platform.
func (s *Space) Commit(p, n uintptr) error {
	b, err := s.pageRange(p, n)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("vmem: commit [%#x, %#x): %w", p, p+n, err)
	}
	return nil
}

// Decommit returns the physical pages of [p, p+n) to the kernel and makes the
// range inaccessible again. Contents are discarded.
func (s *Space) Decommit(p, n uintptr) error {
	b, err := s.pageRange(p, n)
	if err != nil {
		return err
	}
	// The advice is what actually frees memory; EINVAL here means the kernel
	// does not support it for this mapping, which is tolerable since the
	// mprotect below still makes the range inaccessible.
	if err := unix.Madvise(b, decommitAdvice); err != nil && err != unix.EINVAL {
		return fmt.Errorf("vmem: decommit advise [%#x, %#x): %w", p, p+n, err)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("vmem: decommit protect [%#x, %#x): %w", p, p+n, err)
	}
	return nil
}

// Protect makes [p, p+n) inaccessible without discarding its pages.
func (s *Space) Protect(p, n uintptr) error {
	b, err := s.pageRange(p, n)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("vmem: protect [%#x, %#x): %w", p, p+n, err)
	}
	return nil
}

// Release unmaps the whole reservation. It is idempotent. All slices handed
// out by Slice become invalid.
func (s *Space) Release() error {
	if s.released.Swap(true) {
		return nil
	}
	return unix.Munmap(s.data)
}

func (s *Space) pageRange(p, n uintptr) ([]byte, error) {
	if s.released.Load() {
		return nil, fmt.Errorf("vmem: range [%#x, %#x): space released", p, p+n)
	}
	if !IsAligned(p, pageSize) || !IsAligned(n, pageSize) {
		return nil, fmt.Errorf("vmem: range [%#x, %#x) is not page aligned", p, p+n)
	}
	if p < s.base || n > uintptr(len(s.data)) || p-s.base > uintptr(len(s.data))-n {
		return nil, fmt.Errorf("vmem: range [%#x, %#x) outside reservation [%#x, %#x)",
			p, p+n, s.base, s.End())
	}
	off := p - s.base
	return s.data[off : off+n], nil
}
