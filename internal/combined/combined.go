// Package combined fronts the primary and secondary allocators behind one
// allocation interface. Sizes and alignments the size-class map can serve go
// through a caller-supplied cache to the primary; everything else maps
// individually through the secondary.
package combined

import (
	"fmt"

	"github.com/hupe1980/memsan/internal/primary"
	"github.com/hupe1980/memsan/internal/secondary"
	"github.com/hupe1980/memsan/internal/vmem"
)

// Allocator routes between the two backing allocators. It holds no lock of
// its own: the primary locks per region, the secondary has its own mutex,
// and each Cache is externally serialized.
type Allocator struct {
	prim   *primary.Allocator
	sec    *secondary.Allocator
	space  *vmem.Space
	fatalf func(format string, args ...any)
}

// New wires the two allocators together. Fatalf must not return; it
// defaults to panic.
func New(prim *primary.Allocator, sec *secondary.Allocator, space *vmem.Space, fatalf func(string, ...any)) (*Allocator, error) {
	if prim == nil || sec == nil || space == nil {
		return nil, fmt.Errorf("combined: nil component")
	}
	if fatalf == nil {
		fatalf = func(format string, args ...any) {
			panic("combined: " + fmt.Sprintf(format, args...))
		}
	}
	return &Allocator{prim: prim, sec: sec, space: space, fatalf: fatalf}, nil
}

// Primary returns the size-class allocator behind this one.
func (a *Allocator) Primary() *primary.Allocator { return a.prim }

// Secondary returns the large-object allocator behind this one.
func (a *Allocator) Secondary() *secondary.Allocator { return a.sec }

// canAllocateFromPrimary mirrors the routing rule: the size must fit the
// largest class and the alignment must be satisfiable by region geometry,
// which floats on a page boundary.
func (a *Allocator) canAllocateFromPrimary(size, alignment uintptr) bool {
	return size <= a.prim.Classes().MaxSize() && alignment <= vmem.PageSize()
}

// Allocate returns a chunk of at least size bytes aligned to alignment.
// Zero-size allocations are bumped to one byte so every allocation has a
// distinct address. A size so large the alignment padding overflows is
// fatal. With cleared set the chunk is zeroed even when recycled.
func (a *Allocator) Allocate(cache *Cache, size, alignment uintptr, cleared bool) uintptr {
	if size == 0 {
		size = 1
	}
	if size+alignment < size {
		a.fatalf("allocation of %d bytes with alignment %d overflows", size, alignment)
	}
	if alignment > 8 {
		size = vmem.RoundUpTo(size, alignment)
	}
	var res uintptr
	if a.canAllocateFromPrimary(size, alignment) {
		res = cache.Allocate(a.prim, a.prim.Classes().ClassID(size))
	} else {
		res = a.sec.Allocate(size, alignment)
	}
	if alignment > 8 && res&(alignment-1) != 0 {
		a.fatalf("chunk %#x is not aligned to %d", res, alignment)
	}
	if cleared {
		clear(a.space.Slice(res, size))
	}
	return res
}

// Deallocate returns p to whichever allocator owns it. Freeing 0 is a no-op.
func (a *Allocator) Deallocate(cache *Cache, p uintptr) {
	if p == 0 {
		return
	}
	if a.prim.PointerIsMine(p) {
		cache.Deallocate(a.prim, a.prim.SizeClass(p), p)
	} else {
		a.sec.Deallocate(p)
	}
}

// Reallocate moves the chunk at p to a new chunk of newSize, copying the
// smaller of the two usable sizes. A nil p allocates; a zero newSize frees
// and returns 0.
func (a *Allocator) Reallocate(cache *Cache, p, newSize, alignment uintptr) uintptr {
	if p == 0 {
		return a.Allocate(cache, newSize, alignment, false)
	}
	if newSize == 0 {
		a.Deallocate(cache, p)
		return 0
	}
	if !a.PointerIsMine(p) {
		a.fatalf("reallocating unknown pointer %#x", p)
	}
	oldSize := a.AllocatedSize(p)
	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	newP := a.Allocate(cache, newSize, alignment, false)
	copy(a.space.Slice(newP, copySize), a.space.Slice(p, copySize))
	a.Deallocate(cache, p)
	return newP
}

// PointerIsMine reports whether either backing allocator owns p.
func (a *Allocator) PointerIsMine(p uintptr) bool {
	return a.prim.PointerIsMine(p) || a.sec.PointerIsMine(p)
}

// AllocatedSize returns the usable size of the chunk at p.
func (a *Allocator) AllocatedSize(p uintptr) uintptr {
	if a.prim.PointerIsMine(p) {
		return a.prim.AllocatedSize(p)
	}
	return a.sec.AllocatedSize(p)
}

// Metadata returns the metadata bytes of the chunk at p.
func (a *Allocator) Metadata(p uintptr) []byte {
	if a.prim.PointerIsMine(p) {
		return a.prim.Metadata(p)
	}
	return a.sec.Metadata(p)
}

// GetBlockBegin resolves an interior pointer to its chunk start, or 0.
func (a *Allocator) GetBlockBegin(p uintptr) uintptr {
	if a.prim.PointerIsMine(p) {
		return a.prim.BlockBegin(p)
	}
	return a.sec.GetBlockBegin(p)
}

// TotalMemoryUsed sums both allocators.
func (a *Allocator) TotalMemoryUsed() uintptr {
	return a.prim.TotalMemoryUsed() + a.sec.TotalMemoryUsed()
}

// SwallowCache flushes every chunk cache holds back to the primary.
func (a *Allocator) SwallowCache(cache *Cache) {
	cache.Drain(a.prim)
}
