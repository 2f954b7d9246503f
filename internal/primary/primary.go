// Package primary implements the size-class allocator serving small and
// medium chunks. Its address range is split into one region per size class,
// so the class and block start of any pointer follow from arithmetic alone,
// with no per-chunk headers in user memory.
//
// Inside a region, chunk memory grows up from the region start while chunk
// metadata grows down from the region end. Physical pages are committed
// lazily in large steps as the watermarks move; a region whose watermarks
// meet is exhausted, which is fatal.
package primary

import (
	"fmt"
	"sync"

	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/hupe1980/memsan/internal/vmem"
)

// MetadataSize is the number of bytes reserved per chunk at the top of its
// region.
const MetadataSize = 32

const (
	populateSize = 1 << 18 // user bytes carved per free-list refill
	userMapSize  = 1 << 22 // commit step for chunk memory
	metaMapSize  = 1 << 20 // commit step for metadata
)

// Config carries the placement and hooks for an Allocator.
type Config struct {
	// Space is the reservation the allocator commits pages in.
	Space *vmem.Space
	// Beg is the first byte of the allocator's range. Must be page aligned
	// and inside Space.
	Beg uintptr
	// Size is the total range length, split evenly across the classes.
	Size uintptr
	// Classes is the size-class map. Defaults to sizeclass.Default.
	Classes *sizeclass.Map
	// OnCommit, when set, runs after each successful page commit. The
	// runtime hooks shadow poisoning and accounting here.
	OnCommit func(addr, size uintptr)
	// Fatalf reports an unrecoverable condition. It must not return;
	// defaults to panic.
	Fatalf func(format string, args ...any)
}

type regionInfo struct {
	mu            sync.Mutex
	freeList      []uintptr // chunk addresses ready to hand out, LIFO
	allocatedUser uintptr   // high-water mark of carved chunk bytes
	allocatedMeta uintptr   // high-water mark of carved metadata bytes
	mappedUser    uintptr   // committed chunk bytes
	mappedMeta    uintptr   // committed metadata bytes
}

// Stats aggregates the commit and carve watermarks over all regions.
type Stats struct {
	MappedUser    uintptr
	AllocatedUser uintptr
	MappedMeta    uintptr
	AllocatedMeta uintptr
}

// Allocator hands out chunks of its size classes in bulk. All methods are
// safe for concurrent use; each region has its own lock.
type Allocator struct {
	space      *vmem.Space
	beg        uintptr
	end        uintptr
	regionSize uintptr
	classes    *sizeclass.Map
	regions    []regionInfo
	onCommit   func(addr, size uintptr)
	fatalf     func(format string, args ...any)
}

// New validates cfg and returns the allocator. No pages are committed until
// the first BulkAllocate.
func New(cfg Config) (*Allocator, error) {
	if cfg.Space == nil {
		return nil, fmt.Errorf("primary: nil space")
	}
	classes := cfg.Classes
	if classes == nil {
		classes = sizeclass.Default
	}
	n := uintptr(classes.NumClasses())
	if cfg.Size == 0 || cfg.Size%n != 0 {
		return nil, fmt.Errorf("primary: size %d is not divisible into %d regions", cfg.Size, n)
	}
	regionSize := cfg.Size / n
	if !vmem.IsAligned(cfg.Beg, vmem.PageSize()) || !vmem.IsAligned(regionSize, vmem.PageSize()) {
		return nil, fmt.Errorf("primary: range [%#x, +%#x) with region size %#x is not page aligned",
			cfg.Beg, cfg.Size, regionSize)
	}
	if regionSize < classes.MaxSize()+MetadataSize {
		return nil, fmt.Errorf("primary: region size %d cannot hold one chunk of the largest class (%d)",
			regionSize, classes.MaxSize())
	}
	if !cfg.Space.Contains(cfg.Beg) || cfg.Size > cfg.Space.End()-cfg.Beg {
		return nil, fmt.Errorf("primary: range [%#x, +%#x) outside reservation", cfg.Beg, cfg.Size)
	}
	fatalf := cfg.Fatalf
	if fatalf == nil {
		fatalf = func(format string, args ...any) {
			panic("primary: " + fmt.Sprintf(format, args...))
		}
	}
	return &Allocator{
		space:      cfg.Space,
		beg:        cfg.Beg,
		end:        cfg.Beg + cfg.Size,
		regionSize: regionSize,
		classes:    classes,
		regions:    make([]regionInfo, n),
		onCommit:   cfg.OnCommit,
		fatalf:     fatalf,
	}, nil
}

// Classes returns the size-class map the allocator was built with.
func (a *Allocator) Classes() *sizeclass.Map { return a.classes }

// Beg returns the first address of the allocator's range.
func (a *Allocator) Beg() uintptr { return a.beg }

// End returns one past the last address of the allocator's range.
func (a *Allocator) End() uintptr { return a.end }

// RegionSize returns the per-class region length.
func (a *Allocator) RegionSize() uintptr { return a.regionSize }

// PointerIsMine reports whether p falls inside the allocator's range.
func (a *Allocator) PointerIsMine(p uintptr) bool {
	return p >= a.beg && p < a.end
}

// SizeClass returns the class of the region p points into.
func (a *Allocator) SizeClass(p uintptr) int {
	return int((p - a.beg) / a.regionSize)
}

// AllocatedSize returns the usable size of the chunk containing p, which is
// its class size regardless of the requested length.
func (a *Allocator) AllocatedSize(p uintptr) uintptr {
	return a.classes.Size(a.SizeClass(p))
}

// BlockBegin returns the start of the chunk containing p. p may point
// anywhere inside the chunk.
func (a *Allocator) BlockBegin(p uintptr) uintptr {
	class := a.SizeClass(p)
	size := a.classes.Size(class)
	offset := (p - a.beg) % a.regionSize
	return a.beg + a.regionSize*uintptr(class) + (offset/size)*size
}

// Metadata returns the MetadataSize bytes backing the chunk containing p.
// The bytes live at the top of the chunk's region, disjoint from all chunk
// payloads, and stay valid until the region is exhausted.
func (a *Allocator) Metadata(p uintptr) []byte {
	class := a.SizeClass(p)
	size := a.classes.Size(class)
	offset := (p - a.beg) % a.regionSize
	chunkIdx := offset / size
	regionEnd := a.beg + a.regionSize*uintptr(class+1)
	return a.space.Slice(regionEnd-(1+chunkIdx)*MetadataSize, MetadataSize)
}

// BulkAllocate appends up to MaxCached(class) free chunks to out and returns
// the extended slice. It refills the region free list from virgin region
// memory when the list runs dry.
func (a *Allocator) BulkAllocate(class int, out []uintptr) []uintptr {
	r := &a.regions[class]
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freeList) == 0 {
		a.populateLocked(class, r)
	}
	count := a.classes.MaxCached(class)
	if len(r.freeList) < count {
		count = len(r.freeList)
	}
	cut := len(r.freeList) - count
	out = append(out, r.freeList[cut:]...)
	r.freeList = r.freeList[:cut]
	return out
}

// BulkDeallocate returns chunks of the given class to the region free list.
func (a *Allocator) BulkDeallocate(class int, chunks []uintptr) {
	r := &a.regions[class]
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeList = append(r.freeList, chunks...)
}

// populateLocked carves about populateSize bytes of virgin region memory
// into chunks, committing user and metadata pages as the watermarks cross
// their commit steps. Carving at least one chunk is guaranteed; a region
// that cannot hold both watermarks is exhausted and dies.
//
// Both commit targets are clamped so the pair stays inside the region and
// never overlaps: a full commit step near the top of a small region must not
// spill into the neighbor class's region (whose chunks may be live and would
// be repoisoned by the commit hook), nor into this region's own committed
// pages on the other side.
func (a *Allocator) populateLocked(class int, r *regionInfo) {
	size := a.classes.Size(class)
	regionBeg := a.beg + a.regionSize*uintptr(class)
	page := vmem.PageSize()

	idx := r.allocatedUser
	endIdx := idx + populateSize
	carved := uintptr(0)
	for {
		idx += size
		carved++
		if idx >= endIdx {
			break
		}
	}
	newUser := idx
	newMeta := r.allocatedMeta + carved*MetadataSize

	wantUser := r.mappedUser
	if newUser > wantUser {
		wantUser += userMapSize
		for newUser > wantUser {
			wantUser += userMapSize
		}
		// Every size-byte chunk eventually needs MetadataSize bytes at the
		// top of the region; opportunistic growth stops where that room
		// would be eaten.
		if limit := vmem.RoundDownTo(a.regionSize/(size+MetadataSize)*size, page); wantUser > limit {
			wantUser = limit
		}
		if newUser > wantUser {
			wantUser = vmem.RoundUpTo(newUser, page)
		}
	}
	wantMeta := r.mappedMeta
	if newMeta > wantMeta {
		wantMeta += metaMapSize
		for newMeta > wantMeta {
			wantMeta += metaMapSize
		}
		if wantMeta > a.regionSize-wantUser {
			wantMeta = vmem.RoundUpTo(newMeta, page)
		}
	}
	if wantUser+wantMeta > a.regionSize {
		a.fatalf("out of memory: size class %d (chunk size %d) exhausted its %d MB region",
			class, size, a.regionSize>>20)
	}
	if wantUser > r.mappedUser {
		a.commit(regionBeg+r.mappedUser, wantUser-r.mappedUser)
		r.mappedUser = wantUser
	}
	if wantMeta > r.mappedMeta {
		a.commit(regionBeg+a.regionSize-wantMeta, wantMeta-r.mappedMeta)
		r.mappedMeta = wantMeta
	}

	for i := r.allocatedUser; i < newUser; i += size {
		r.freeList = append(r.freeList, regionBeg+i)
	}
	r.allocatedUser = newUser
	r.allocatedMeta = newMeta
}

// commit makes pages readable and writable. Callers clamp the range to the
// owning region before calling.
func (a *Allocator) commit(addr, size uintptr) {
	if err := a.space.Commit(addr, size); err != nil {
		a.fatalf("commit of [%#x, %#x) failed: %v", addr, addr+size, err)
	}
	if a.onCommit != nil {
		a.onCommit(addr, size)
	}
}

// CarvedChunks returns how many chunks of class have been carved from its
// region so far, live or free. Chunks past the carve point have no committed
// metadata yet.
func (a *Allocator) CarvedChunks(class int) int {
	r := &a.regions[class]
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.allocatedUser / a.classes.Size(class))
}

// Stats sums the watermarks over all regions.
func (a *Allocator) Stats() Stats {
	var s Stats
	for i := range a.regions {
		r := &a.regions[i]
		r.mu.Lock()
		s.MappedUser += r.mappedUser
		s.AllocatedUser += r.allocatedUser
		s.MappedMeta += r.mappedMeta
		s.AllocatedMeta += r.allocatedMeta
		r.mu.Unlock()
	}
	return s
}

// TotalMemoryUsed returns the number of user bytes carved into chunks.
func (a *Allocator) TotalMemoryUsed() uintptr {
	var total uintptr
	for i := range a.regions {
		r := &a.regions[i]
		r.mu.Lock()
		total += r.allocatedUser
		r.mu.Unlock()
	}
	return total
}
