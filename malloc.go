package memsan

import (
	"github.com/hupe1980/memsan/internal/combined"
	"github.com/hupe1980/memsan/internal/goid"
	"github.com/hupe1980/memsan/internal/quarantine"
	"github.com/hupe1980/memsan/internal/shadow"
	"github.com/hupe1980/memsan/internal/vmem"
)

// maxAllowedMallocSize rejects sizes that can only come from corrupted or
// negative length computations before they reach the allocators.
const maxAllowedMallocSize = 1 << 40

// secondaryClass marks large-object chunks in quarantine items and event
// records, where small chunks carry their size-class id.
const secondaryClass = -1

// captureSkip drops the public entry point and its internal helper from
// recorded allocation stacks, so they start at the caller.
const captureSkip = 2

// Malloc returns a new chunk of size bytes, aligned to the shadow granule.
// The chunk is surrounded by poisoned redzones; reading or writing one past
// either end is a reported bug. Zero-size requests yield a distinct one-byte
// chunk.
func (r *Runtime) Malloc(size uintptr) uintptr {
	return r.allocate(size, shadow.Granularity, false)
}

// MallocAligned is Malloc with a caller-chosen alignment, which must be a
// power of two. Alignments below the shadow granule are raised to it.
func (r *Runtime) MallocAligned(size, alignment uintptr) uintptr {
	if alignment == 0 || !vmem.IsPowerOfTwo(alignment) {
		r.fatal("invalid allocation alignment %d: not a power of two", alignment)
	}
	if alignment > vmem.PageSize()<<8 {
		r.fatal("invalid allocation alignment %d: out of range", alignment)
	}
	return r.allocate(size, alignment, false)
}

// Calloc returns a zeroed chunk of count*size bytes. A product that does not
// fit a uintptr is a fatal report, not a wrapped allocation.
func (r *Runtime) Calloc(count, size uintptr) uintptr {
	if size != 0 && count > maxAllowedMallocSize/size {
		r.fatal("calloc parameters overflow: count * size (%d * %d) cannot be represented", count, size)
	}
	return r.allocate(count*size, shadow.Granularity, true)
}

// Realloc resizes the chunk at p, moving it and copying the smaller of the
// two sizes. Realloc(0, n) allocates; Realloc(p, 0) frees and returns zero.
func (r *Runtime) Realloc(p, newSize uintptr) uintptr {
	if p == 0 {
		return r.allocate(newSize, shadow.Granularity, false)
	}
	if newSize == 0 {
		r.deallocate(p)
		return 0
	}

	gid := goid.Current()
	chunkBeg, meta := r.resolveChunk(p, gid)
	if meta.state() != chunkAllocated {
		r.fatal("attempting to reallocate freed memory at %#x in goroutine G%d", p, gid)
	}
	if p != chunkBeg+meta.userOff() {
		r.fatal("attempting to reallocate an interior pointer %#x in goroutine G%d", p, gid)
	}
	oldSize := meta.requestedSize()

	newP := r.allocate(newSize, shadow.Granularity, false)
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(r.space.Slice(newP, n), r.space.Slice(p, n))
	r.deallocate(p)
	return newP
}

// Free returns the chunk at p to the quarantine. p must be the exact pointer
// an allocation returned; freeing zero is a no-op, anything else that is not
// a live chunk start is a fatal report.
func (r *Runtime) Free(p uintptr) {
	if p == 0 {
		return
	}
	r.deallocate(p)
}

func (r *Runtime) allocate(size, alignment uintptr, zero bool) uintptr {
	if r.closed.Load() {
		r.fatal("allocation of %d bytes on a closed runtime", size)
	}
	if size == 0 {
		size = 1
	}
	if size > maxAllowedMallocSize {
		r.fatal("requested allocation size %#x exceeds maximum supported size", size)
	}
	if alignment < shadow.Granularity {
		alignment = shadow.Granularity
	}

	rz := r.opts.redzone
	needed := rz + vmem.RoundUpTo(size, shadow.Granularity)
	if alignment > shadow.Granularity {
		needed += alignment
	}

	gid := goid.Current()
	st := r.lockCache(gid)
	chunkBeg := r.alloc.Allocate(st.cache, needed, shadow.Granularity, false)
	st.mu.Unlock()

	userBeg := vmem.RoundUpTo(chunkBeg+rz, alignment)
	allocEnd := chunkBeg + r.alloc.AllocatedSize(chunkBeg)

	r.sh.Poison(chunkBeg, userBeg-chunkBeg, shadow.HeapLeftRedzone)
	r.sh.PoisonPartialRightRedzone(userBeg, size, allocEnd-userBeg, shadow.HeapRightRedzone)

	stack := r.depot.Capture(captureSkip)
	meta := chunkMeta(r.alloc.Metadata(chunkBeg))
	meta.setRequestedSize(size)
	meta.setAllocStack(stack)
	meta.setFreeStack(0)
	meta.setAllocGoroutine(gid)
	meta.setFreeGoroutine(0)
	meta.setUserOff(userBeg - chunkBeg)
	meta.setState(chunkAllocated)

	if zero {
		clear(r.space.Slice(userBeg, size))
	} else if fill := min(size, r.opts.maxMallocFillSize); fill > 0 {
		fillBytes(r.space.Slice(userBeg, fill), mallocFillByte)
	}

	if r.events != nil {
		_ = r.events.LogAlloc(gid, userBeg, size, uint32(r.chunkClass(chunkBeg)), stack)
	}
	r.metrics.RecordMalloc(size)
	r.mallocCount.Add(1)
	r.mallocBytes.Add(uint64(size))
	r.heapBytes.Add(int64(size))
	return userBeg
}

func (r *Runtime) deallocate(p uintptr) {
	if r.closed.Load() {
		r.fatal("free of %#x on a closed runtime", p)
	}
	gid := goid.Current()
	chunkBeg, meta := r.resolveChunk(p, gid)

	if !meta.casState(chunkAllocated, chunkQuarantined) {
		r.fatal("attempting double-free on %#x in goroutine G%d", p, gid)
	}
	if p != chunkBeg+meta.userOff() {
		r.fatal("attempting free on address which was not malloc()-ed: %#x in goroutine G%d", p, gid)
	}

	size := meta.requestedSize()
	meta.setFreeStack(r.depot.Capture(captureSkip))
	meta.setFreeGoroutine(gid)

	if fill := min(size, r.opts.maxFreeFillSize); fill > 0 {
		fillBytes(r.space.Slice(p, fill), freeFillByte)
	}
	r.sh.Poison(p, vmem.RoundUpTo(size, shadow.Granularity), shadow.HeapFreed)

	class := r.chunkClass(chunkBeg)
	evicted := r.quar.Put(quarantine.Item{Ptr: chunkBeg, Class: class, Size: size})
	if len(evicted) > 0 {
		st := r.lockCache(gid)
		var drained uintptr
		for _, it := range evicted {
			drained += it.Size
			r.recycle(st.cache, it)
			if r.events != nil {
				_ = r.events.LogQuarantine(gid, it.Ptr, it.Size, uint32(it.Class))
			}
		}
		st.mu.Unlock()
		r.logger.LogQuarantineDrain(len(evicted), drained)
	}

	if r.events != nil {
		_ = r.events.LogFree(gid, p, size, uint32(class), meta.freeStack())
	}
	r.metrics.RecordFree(size)
	r.metrics.RecordQuarantine(size)
	r.freeCount.Add(1)
	r.freeBytes.Add(uint64(size))
	r.heapBytes.Add(-int64(size))
}

// chunkAt maps a pointer to the carved chunk containing it. ok is false for
// pointers outside both zones and for pointers into region space no chunk
// has been carved from yet, whose metadata pages are still uncommitted.
func (r *Runtime) chunkAt(p uintptr) (chunkBeg uintptr, meta chunkMeta, ok bool) {
	if !r.alloc.PointerIsMine(p) {
		return 0, nil, false
	}
	if r.prim.PointerIsMine(p) {
		class := r.prim.SizeClass(p)
		chunkBeg = r.prim.BlockBegin(p)
		regionBeg := r.prim.Beg() + uintptr(class)*r.prim.RegionSize()
		idx := (chunkBeg - regionBeg) / r.classes.Size(class)
		if int(idx) >= r.prim.CarvedChunks(class) {
			return 0, nil, false
		}
	} else {
		chunkBeg = r.alloc.GetBlockBegin(p)
		if chunkBeg == 0 {
			return 0, nil, false
		}
	}
	return chunkBeg, chunkMeta(r.alloc.Metadata(chunkBeg)), true
}

// resolveChunk is chunkAt for the free paths: a pointer that resolves to no
// chunk is a fatal report.
func (r *Runtime) resolveChunk(p uintptr, gid int64) (uintptr, chunkMeta) {
	chunkBeg, meta, ok := r.chunkAt(p)
	if !ok {
		r.fatal("attempting free on address which was not malloc()-ed: %#x in goroutine G%d", p, gid)
	}
	return chunkBeg, meta
}

// recycle hands a quarantined chunk back to the allocator. The user range
// flips from freed back to redzone so the next allocation starts from a
// uniformly poisoned chunk; large objects are re-poisoned by the unmap hook
// instead. Caller holds the cache lock.
func (r *Runtime) recycle(cache *combined.Cache, it quarantine.Item) {
	meta := chunkMeta(r.alloc.Metadata(it.Ptr))
	meta.setState(chunkFree)
	r.sh.Poison(it.Ptr, r.alloc.AllocatedSize(it.Ptr), shadow.HeapLeftRedzone)
	r.alloc.Deallocate(cache, it.Ptr)
}

// chunkClass returns the size class of a primary chunk or secondaryClass for
// large objects.
func (r *Runtime) chunkClass(chunkBeg uintptr) int {
	if r.prim.PointerIsMine(chunkBeg) {
		return r.prim.SizeClass(chunkBeg)
	}
	return secondaryClass
}

func fillBytes(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
