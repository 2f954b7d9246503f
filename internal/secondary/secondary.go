// Package secondary implements the large-object allocator. Every chunk gets
// its own page-aligned mapping carved out of a dedicated address range, with
// a header page in front of the user memory, so a chunk's pages can be
// returned to the OS the moment it is freed.
//
// Freed ranges go back into a first-fit free list and coalesce with their
// neighbors, but their pages are decommitted and stay inaccessible until the
// range is reused.
package secondary

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/hupe1980/memsan/internal/vmem"
)

// Config carries the placement and hooks for an Allocator.
type Config struct {
	// Space is the reservation the allocator commits pages in.
	Space *vmem.Space
	// Beg is the first byte of the allocator's range, page aligned.
	Beg uintptr
	// Size is the range length, page aligned.
	Size uintptr
	// OnMap runs after the pages of a new chunk are committed.
	OnMap func(addr, size uintptr)
	// OnUnmap runs before the pages of a freed chunk are decommitted.
	OnUnmap func(addr, size uintptr)
	// Fatalf reports an unrecoverable condition. It must not return;
	// defaults to panic.
	Fatalf func(format string, args ...any)
}

// header sits at the start of each chunk's header page, one page below the
// user pointer. The live-chunk index is kept out of band; the on-page header
// only ties a user pointer back to its mapping.
type header struct {
	mapBeg  uintptr
	mapSize uintptr
	size    uintptr
}

const headerBytes = unsafe.Sizeof(header{})

type chunk struct {
	user    uintptr
	size    uintptr
	mapBeg  uintptr
	mapSize uintptr
}

type span struct {
	beg uintptr
	end uintptr
}

// Allocator maps and recycles large chunks. One mutex guards the chunk index
// and the free ranges; chunk counts are expected to stay small.
type Allocator struct {
	space    *vmem.Space
	beg      uintptr
	end      uintptr
	pageSize uintptr
	onMap    func(addr, size uintptr)
	onUnmap  func(addr, size uintptr)
	fatalf   func(format string, args ...any)

	mu     sync.Mutex
	chunks []chunk
	free   []span // sorted by beg, coalesced, page aligned
}

// New validates cfg and returns the allocator with its whole range free.
func New(cfg Config) (*Allocator, error) {
	if cfg.Space == nil {
		return nil, fmt.Errorf("secondary: nil space")
	}
	page := vmem.PageSize()
	if !vmem.IsAligned(cfg.Beg, page) || !vmem.IsAligned(cfg.Size, page) || cfg.Size == 0 {
		return nil, fmt.Errorf("secondary: range [%#x, +%#x) is not page aligned", cfg.Beg, cfg.Size)
	}
	if !cfg.Space.Contains(cfg.Beg) || cfg.Size > cfg.Space.End()-cfg.Beg {
		return nil, fmt.Errorf("secondary: range [%#x, +%#x) outside reservation", cfg.Beg, cfg.Size)
	}
	fatalf := cfg.Fatalf
	if fatalf == nil {
		fatalf = func(format string, args ...any) {
			panic("secondary: " + fmt.Sprintf(format, args...))
		}
	}
	return &Allocator{
		space:    cfg.Space,
		beg:      cfg.Beg,
		end:      cfg.Beg + cfg.Size,
		pageSize: page,
		onMap:    cfg.OnMap,
		onUnmap:  cfg.OnUnmap,
		fatalf:   fatalf,
		free:     []span{{cfg.Beg, cfg.Beg + cfg.Size}},
	}, nil
}

// Beg returns the first address of the allocator's range.
func (a *Allocator) Beg() uintptr { return a.beg }

// End returns one past the last address of the allocator's range.
func (a *Allocator) End() uintptr { return a.end }

func (a *Allocator) roundUpMapSize(size uintptr) uintptr {
	return vmem.RoundUpTo(size, a.pageSize) + a.pageSize
}

// Allocate maps a chunk of at least size bytes aligned to alignment, which
// must be a power of two. The user pointer is page aligned with the chunk's
// header page right below it.
func (a *Allocator) Allocate(size, alignment uintptr) uintptr {
	if alignment == 0 || !vmem.IsPowerOfTwo(alignment) {
		a.fatalf("allocate with non power-of-two alignment %d", alignment)
	}
	mapSize := a.roundUpMapSize(size)
	if alignment > a.pageSize {
		mapSize += alignment
	}
	if mapSize < size {
		a.fatalf("allocation of %d bytes overflows the map size", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	mapBeg, ok := a.carveLocked(mapSize)
	if !ok {
		a.fatalf("out of memory: no free range of %d bytes in [%#x, %#x)", mapSize, a.beg, a.end)
	}

	mapEnd := mapBeg + mapSize
	res := mapBeg + a.pageSize
	if rem := res & (alignment - 1); rem != 0 {
		res += alignment - rem
	}
	if res+size > mapEnd {
		a.fatalf("aligned chunk [%#x, +%d) escapes its mapping [%#x, %#x)", res, size, mapBeg, mapEnd)
	}
	if err := a.space.Commit(mapBeg, mapSize); err != nil {
		a.fatalf("commit of [%#x, +%d) failed: %v", mapBeg, mapSize, err)
	}
	if a.onMap != nil {
		a.onMap(mapBeg, mapSize)
	}
	a.chunks = append(a.chunks, chunk{user: res, size: size, mapBeg: mapBeg, mapSize: mapSize})

	h := a.headerFor(res)
	h.mapBeg = mapBeg
	h.mapSize = mapSize
	h.size = size
	return res
}

// Deallocate removes the chunk at p from the index and returns its pages.
// The whole mapping, header page included, becomes inaccessible; reading the
// chunk afterwards faults. Freeing a pointer the allocator does not own is
// fatal.
func (a *Allocator) Deallocate(p uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := -1
	for i := range a.chunks {
		if a.chunks[i].user == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.fatalf("deallocating unknown chunk %#x", p)
	}
	c := a.chunks[idx]
	a.chunks[idx] = a.chunks[len(a.chunks)-1]
	a.chunks = a.chunks[:len(a.chunks)-1]

	if a.onUnmap != nil {
		a.onUnmap(c.mapBeg, c.mapSize)
	}
	// The range re-enters the free list only after its pages are gone, so a
	// concurrent Allocate cannot commit a range this call then decommits.
	if err := a.space.Decommit(c.mapBeg, c.mapSize); err != nil {
		a.fatalf("decommit of [%#x, +%d) failed: %v", c.mapBeg, c.mapSize, err)
	}
	a.insertFreeLocked(span{c.mapBeg, c.mapBeg + c.mapSize})
}

// PointerIsMine reports whether p is the user pointer of a live chunk.
// Interior and freed pointers are not mine.
func (a *Allocator) PointerIsMine(p uintptr) bool {
	if p%a.pageSize != 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.chunks {
		if a.chunks[i].user == p {
			return true
		}
	}
	return false
}

// GetBlockBegin returns the user pointer of the live chunk containing p, or
// 0 when no chunk does.
func (a *Allocator) GetBlockBegin(p uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.chunks {
		c := &a.chunks[i]
		if p >= c.user && p < c.user+c.size {
			return c.user
		}
	}
	return 0
}

// AllocatedSize returns the usable bytes of the live chunk at p: everything
// from the user pointer to the end of its last page.
func (a *Allocator) AllocatedSize(p uintptr) uintptr {
	h := a.headerFor(p)
	return a.roundUpMapSize(h.size) - a.pageSize
}

// Metadata returns the metadata bytes of the chunk at p, kept on its header
// page after the header itself. At least half a page is available.
func (a *Allocator) Metadata(p uintptr) []byte {
	if p%a.pageSize != 0 {
		a.fatalf("metadata of unaligned pointer %#x", p)
	}
	return a.space.Slice(p-a.pageSize+headerBytes, a.pageSize/2)
}

// TotalMemoryUsed returns the page footprint of all live chunks.
func (a *Allocator) TotalMemoryUsed() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uintptr
	for i := range a.chunks {
		total += a.roundUpMapSize(a.chunks[i].size)
	}
	return total
}

// Live returns the number of live chunks.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Range calls fn for every live chunk with its user pointer and requested
// size. The allocator lock is held across the walk; fn must not call methods
// that take it. Lock-free accessors such as Metadata are fine.
func (a *Allocator) Range(fn func(p, size uintptr)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.chunks {
		fn(a.chunks[i].user, a.chunks[i].size)
	}
}

func (a *Allocator) headerFor(p uintptr) *header {
	if p%a.pageSize != 0 {
		a.fatalf("chunk pointer %#x is not page aligned", p)
	}
	b := a.space.Slice(p-a.pageSize, headerBytes)
	return (*header)(unsafe.Pointer(&b[0]))
}

// carveLocked takes mapSize bytes from the first free span that fits.
func (a *Allocator) carveLocked(mapSize uintptr) (uintptr, bool) {
	for i := range a.free {
		s := a.free[i]
		if s.end-s.beg < mapSize {
			continue
		}
		if s.end-s.beg == mapSize {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i].beg = s.beg + mapSize
		}
		return s.beg, true
	}
	return 0, false
}

// insertFreeLocked returns s to the free list, merging with adjacent spans.
func (a *Allocator) insertFreeLocked(s span) {
	pos := len(a.free)
	for i := range a.free {
		if a.free[i].beg >= s.end {
			pos = i
			break
		}
	}
	a.free = append(a.free, span{})
	copy(a.free[pos+1:], a.free[pos:])
	a.free[pos] = s

	// Merge with the span after, then the one before.
	if pos+1 < len(a.free) && a.free[pos].end == a.free[pos+1].beg {
		a.free[pos].end = a.free[pos+1].end
		a.free = append(a.free[:pos+1], a.free[pos+2:]...)
	}
	if pos > 0 && a.free[pos-1].end == a.free[pos].beg {
		a.free[pos-1].end = a.free[pos].end
		a.free = append(a.free[:pos], a.free[pos+1:]...)
	}
}
