package memsan

import (
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memsan/internal/vmem"
)

// A HeapSnapshot is the set of chunks that were live at one point in time,
// held as compressed bitmaps: primary chunks by per-class index, large
// objects by page index. Snapshots are cheap to take, diff and persist, and
// stay valid after the runtime closes.
type HeapSnapshot struct {
	taken      time.Time
	primBeg    uintptr
	regionSize uintptr
	secBeg     uintptr
	pageSize   uintptr
	classSizes []uintptr
	classes    []*roaring.Bitmap
	secondary  *roaring.Bitmap
	objects    uint64
	bytes      uintptr
}

// Taken returns when the snapshot was captured.
func (s *HeapSnapshot) Taken() time.Time { return s.taken }

// Objects returns the number of chunks in the snapshot.
func (s *HeapSnapshot) Objects() uint64 { return s.objects }

// Bytes returns the requested bytes behind the snapshot's chunks. Diffs
// carry only the chunk set; their byte total is zero.
func (s *HeapSnapshot) Bytes() uintptr { return s.bytes }

// Chunks returns the chunk start addresses in the snapshot, primary classes
// first, ascending within each. Feed them to AllocationStack to see where a
// surviving chunk came from.
func (s *HeapSnapshot) Chunks() []uintptr {
	out := make([]uintptr, 0, s.objects)
	for c, bm := range s.classes {
		regionBeg := s.primBeg + uintptr(c)*s.regionSize
		it := bm.Iterator()
		for it.HasNext() {
			out = append(out, regionBeg+uintptr(it.Next())*s.classSizes[c])
		}
	}
	it := s.secondary.Iterator()
	for it.HasNext() {
		out = append(out, s.secBeg+uintptr(it.Next())*s.pageSize)
	}
	return out
}

// Diff returns the chunks present in s but not in older: the allocations
// that survived the window between the two snapshots. The byte totals of
// the survivors are not recoverable from bitmaps alone, so the result's
// Bytes is zero; resolve survivors through Chunks when sizes matter.
func (s *HeapSnapshot) Diff(older *HeapSnapshot) *HeapSnapshot {
	d := &HeapSnapshot{
		taken:      s.taken,
		primBeg:    s.primBeg,
		regionSize: s.regionSize,
		secBeg:     s.secBeg,
		pageSize:   s.pageSize,
		classSizes: s.classSizes,
		classes:    make([]*roaring.Bitmap, len(s.classes)),
	}
	for c := range s.classes {
		bm := s.classes[c].Clone()
		if older != nil && c < len(older.classes) {
			bm.AndNot(older.classes[c])
		}
		d.classes[c] = bm
		d.objects += bm.GetCardinality()
	}
	d.secondary = s.secondary.Clone()
	if older != nil && older.secondary != nil {
		d.secondary.AndNot(older.secondary)
	}
	d.objects += d.secondary.GetCardinality()
	return d
}

// LiveSnapshot captures the current heap. Allocations racing the capture
// may or may not be included.
func (r *Runtime) LiveSnapshot() *HeapSnapshot {
	numClasses := r.classes.NumClasses()
	s := &HeapSnapshot{
		taken:      time.Now(),
		primBeg:    r.prim.Beg(),
		regionSize: r.prim.RegionSize(),
		secBeg:     r.sec.Beg(),
		pageSize:   vmem.PageSize(),
		classSizes: make([]uintptr, numClasses),
		classes:    make([]*roaring.Bitmap, numClasses),
		secondary:  roaring.New(),
	}
	for c := 0; c < numClasses; c++ {
		s.classSizes[c] = r.classes.Size(c)
		s.classes[c] = roaring.New()
	}
	r.eachLiveChunk(func(chunkBeg uintptr, meta chunkMeta) {
		if r.prim.PointerIsMine(chunkBeg) {
			class := r.prim.SizeClass(chunkBeg)
			regionBeg := s.primBeg + uintptr(class)*s.regionSize
			s.classes[class].Add(uint32((chunkBeg - regionBeg) / s.classSizes[class]))
		} else {
			s.secondary.Add(uint32((chunkBeg - s.secBeg) / s.pageSize))
		}
		s.objects++
		s.bytes += meta.requestedSize()
	})
	return s
}

// A Leak is a group of still-allocated chunks sharing one allocation stack.
type Leak struct {
	Bytes   uintptr
	Objects int
	Stack   []uintptr
}

// CheckLeaks walks the heap and groups every still-allocated chunk by its
// allocation stack, heaviest group first. Close runs this when the leak
// check is enabled and logs the totals.
func (r *Runtime) CheckLeaks() []Leak {
	groups := make(map[uint32]*Leak)
	r.eachLiveChunk(func(_ uintptr, meta chunkMeta) {
		id := meta.allocStack()
		g := groups[id]
		if g == nil {
			g = &Leak{Stack: r.depot.Stack(id)}
			groups[id] = g
		}
		g.Objects++
		g.Bytes += meta.requestedSize()
	})
	out := make([]Leak, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Objects > out[j].Objects
	})
	return out
}

// AllocationStack returns the recorded allocation stack of the live or
// quarantined chunk containing p, or nil when p resolves to no such chunk.
func (r *Runtime) AllocationStack(p uintptr) []uintptr {
	_, meta, ok := r.chunkAt(p)
	if !ok || meta.state() == chunkFree {
		return nil
	}
	return r.depot.Stack(meta.allocStack())
}

// FreeStack returns the recorded deallocation stack of the quarantined
// chunk containing p, or nil for chunks in any other state.
func (r *Runtime) FreeStack(p uintptr) []uintptr {
	_, meta, ok := r.chunkAt(p)
	if !ok || meta.state() != chunkQuarantined {
		return nil
	}
	return r.depot.Stack(meta.freeStack())
}

// eachLiveChunk calls fn for every currently allocated chunk with its start
// address and metadata. The secondary part of the walk runs under that
// allocator's lock; fn must not allocate or free.
func (r *Runtime) eachLiveChunk(fn func(chunkBeg uintptr, meta chunkMeta)) {
	for class := 0; class < r.classes.NumClasses(); class++ {
		n := uintptr(r.prim.CarvedChunks(class))
		if n == 0 {
			continue
		}
		size := r.classes.Size(class)
		regionBeg := r.prim.Beg() + uintptr(class)*r.prim.RegionSize()
		for idx := uintptr(0); idx < n; idx++ {
			chunkBeg := regionBeg + idx*size
			meta := chunkMeta(r.prim.Metadata(chunkBeg))
			if meta.state() == chunkAllocated {
				fn(chunkBeg, meta)
			}
		}
	}
	r.sec.Range(func(p, _ uintptr) {
		meta := chunkMeta(r.sec.Metadata(p))
		if meta.state() == chunkAllocated {
			fn(p, meta)
		}
	})
}
