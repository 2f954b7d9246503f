// Package stackdepot deduplicates call stacks behind small integer ids, so
// per-chunk metadata can record an allocation and a deallocation stack in
// four bytes each.
package stackdepot

import (
	"fmt"
	"runtime"
	"sync"
)

// NoStack is the id of the absent stack.
const NoStack uint32 = 0

const fnvPrime = 1099511628211

// Depot interns call stacks. Ids are dense, start at 1 and are never reused.
type Depot struct {
	mu     sync.RWMutex
	stacks [][]uintptr
	index  map[uint64][]uint32
	max    int
}

// New returns a depot that stores at most maxFrames program counters per
// stack.
func New(maxFrames int) *Depot {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	return &Depot{
		index: make(map[uint64][]uint32),
		max:   maxFrames,
	}
}

// Capture records the current call stack, skipping skip frames on top of
// Capture itself, and returns its id.
func (d *Depot) Capture(skip int) uint32 {
	pcs := make([]uintptr, d.max)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return NoStack
	}
	return d.Put(pcs[:n])
}

// Put interns pcs and returns its id. Equal stacks share one id.
func (d *Depot) Put(pcs []uintptr) uint32 {
	if len(pcs) == 0 {
		return NoStack
	}
	if len(pcs) > d.max {
		pcs = pcs[:d.max]
	}
	h := hashPCs(pcs)

	d.mu.RLock()
	id := d.lookupLocked(h, pcs)
	d.mu.RUnlock()
	if id != NoStack {
		return id
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if id := d.lookupLocked(h, pcs); id != NoStack {
		return id
	}
	stored := make([]uintptr, len(pcs))
	copy(stored, pcs)
	d.stacks = append(d.stacks, stored)
	id = uint32(len(d.stacks))
	d.index[h] = append(d.index[h], id)
	return id
}

func (d *Depot) lookupLocked(h uint64, pcs []uintptr) uint32 {
	for _, id := range d.index[h] {
		if equalPCs(d.stacks[id-1], pcs) {
			return id
		}
	}
	return NoStack
}

// Stack returns the program counters stored under id, or nil for NoStack and
// unknown ids. The returned slice is shared; callers must not modify it.
func (d *Depot) Stack(id uint32) []uintptr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == NoStack || int(id) > len(d.stacks) {
		return nil
	}
	return d.stacks[id-1]
}

// Len returns the number of distinct stacks interned so far.
func (d *Depot) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stacks)
}

func hashPCs(pcs []uintptr) uint64 {
	h := uint64(14695981039346656037)
	for _, pc := range pcs {
		h = (h ^ uint64(pc)) * fnvPrime
	}
	return h
}

func equalPCs(a, b []uintptr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FormatFrames resolves pcs to source locations, one line per frame, in the
// layout error reports use.
func FormatFrames(pcs []uintptr) []string {
	if len(pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs)
	out := make([]string, 0, len(pcs))
	for i := 0; ; i++ {
		f, more := frames.Next()
		name := f.Function
		if name == "" {
			name = "<unknown>"
		}
		out = append(out, fmt.Sprintf("    #%d %#x in %s %s:%d", i, f.PC, name, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}
