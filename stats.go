package memsan

import (
	"fmt"
	"io"
)

// Stats is a point-in-time snapshot of the allocator counters.
type Stats struct {
	// MallocCount and MallocBytes count every allocation since init.
	MallocCount uint64
	MallocBytes uint64
	// FreeCount and FreeBytes count every free since init.
	FreeCount uint64
	FreeBytes uint64
	// LiveBytes is the requested bytes currently allocated.
	LiveBytes uintptr
	// HeapBytes is the memory both allocators hold, live or recyclable.
	HeapBytes uintptr
	// CommittedBytes is everything committed in the reservation, shadow
	// table and fake stack included.
	CommittedBytes uintptr
	// QuarantineChunks and QuarantineBytes describe the freed chunks still
	// held back from reuse.
	QuarantineChunks int
	QuarantineBytes  uintptr
	// StacksInterned is the number of distinct allocation and free stacks
	// recorded so far.
	StacksInterned int
}

// GetStats returns the current counters.
func (r *Runtime) GetStats() Stats {
	live := r.heapBytes.Load()
	if live < 0 {
		live = 0
	}
	return Stats{
		MallocCount:      r.mallocCount.Load(),
		MallocBytes:      r.mallocBytes.Load(),
		FreeCount:        r.freeCount.Load(),
		FreeBytes:        r.freeBytes.Load(),
		LiveBytes:        uintptr(live),
		HeapBytes:        r.alloc.TotalMemoryUsed(),
		CommittedBytes:   uintptr(r.committedBytes.Load()),
		QuarantineChunks: r.quar.Len(),
		QuarantineBytes:  r.quar.Bytes(),
		StacksInterned:   r.depot.Len(),
	}
}

// LogStats emits the current counters through the structured logger at info
// level.
func (r *Runtime) LogStats() {
	r.logger.LogStats(r.GetStats())
}

// CurrentAllocatedBytes returns the requested bytes currently live.
func (r *Runtime) CurrentAllocatedBytes() uintptr {
	n := r.heapBytes.Load()
	if n < 0 {
		return 0
	}
	return uintptr(n)
}

// HeapSize returns the bytes both allocators hold, whether live, cached or
// quarantined.
func (r *Runtime) HeapSize() uintptr {
	return r.alloc.TotalMemoryUsed()
}

// FreeBytes returns the held bytes not currently serving an allocation.
func (r *Runtime) FreeBytes() uintptr {
	heap := r.HeapSize()
	live := r.CurrentAllocatedBytes()
	if heap <= live {
		return 0
	}
	return heap - live
}

// UnmappedBytes returns the part of the reservation still without physical
// pages.
func (r *Runtime) UnmappedBytes() uintptr {
	committed := uintptr(r.committedBytes.Load())
	if total := r.space.Size(); committed < total {
		return total - committed
	}
	return 0
}

// AllocatedSize returns the requested size of the chunk containing p, zero
// when the chunk is freed or p is zero. Asking about a pointer outside both
// allocator zones is a fatal report.
func (r *Runtime) AllocatedSize(p uintptr) uintptr {
	if p == 0 {
		return 0
	}
	_, meta, ok := r.chunkAt(p)
	if !ok {
		r.fatal("attempting to query the allocated size of %#x, which the allocator does not own", p)
	}
	if meta.state() != chunkAllocated {
		return 0
	}
	return meta.requestedSize()
}

// EstimatedAllocatedSize predicts the usable size an allocation of n bytes
// will report. Chunks never serve fewer bytes than requested, so the
// estimate is n itself.
func (r *Runtime) EstimatedAllocatedSize(n uintptr) uintptr {
	return n
}

// writeStats appends the counters to an error report.
func (r *Runtime) writeStats(w io.Writer) {
	st := r.GetStats()
	fmt.Fprintf(w, "Stats: %d bytes malloced in %d calls, %d bytes freed in %d calls\n",
		st.MallocBytes, st.MallocCount, st.FreeBytes, st.FreeCount)
	fmt.Fprintf(w, "Stats: %d bytes live, %d bytes held by the allocators, %d bytes committed\n",
		st.LiveBytes, st.HeapBytes, st.CommittedBytes)
	fmt.Fprintf(w, "Stats: quarantine holds %d chunks (%d bytes); %d stacks interned\n",
		st.QuarantineChunks, st.QuarantineBytes, st.StacksInterned)
}
