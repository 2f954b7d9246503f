package shadow

// AddressIsPoisoned reports whether a one-byte access to addr would touch
// unaddressable memory. Addresses outside the checked range are never
// poisoned.
func (m *Memory) AddressIsPoisoned(addr uintptr) bool {
	if !m.Covers(addr) {
		return false
	}
	s := m.bytes[m.index(addr)]
	if s == 0 {
		return false
	}
	if int8(s) < 0 {
		return true
	}
	return addr&(Granularity-1) >= uintptr(s)
}

// CheckAccess verifies an access of the given size at addr. It returns
// ok=true when every touched byte is addressable; otherwise it returns the
// faulting address. Accesses that fit a single granule take the one-load
// fast path; everything else falls back to a region scan. Addresses outside
// the checked range are not ours to judge and pass.
func (m *Memory) CheckAccess(addr, size uintptr) (bad uintptr, ok bool) {
	if size == 0 || !m.Covers(addr) || !m.Covers(addr+size-1) {
		return 0, true
	}
	within := addr & (Granularity - 1)
	if within+size <= Granularity {
		s := m.bytes[m.index(addr)]
		if s == 0 {
			return 0, true
		}
		if int8(s) < 0 || within+size-1 >= uintptr(s) {
			return addr, false
		}
		return 0, true
	}
	if bad := m.RegionIsPoisoned(addr, size); bad != 0 {
		return bad, false
	}
	return 0, true
}

// RegionIsPoisoned returns the address of the first poisoned byte in
// [addr, addr+size), or 0 when the whole region is addressable. The fast
// path checks both endpoints plus a word scan of the aligned middle and only
// degrades to a byte walk when that fails.
func (m *Memory) RegionIsPoisoned(addr, size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	end := addr + size
	if !m.Covers(addr) || !m.Covers(end-1) {
		return 0
	}
	alignedB := (addr + Granularity - 1) &^ (Granularity - 1)
	alignedE := end &^ (Granularity - 1)
	clean := !m.AddressIsPoisoned(addr) && !m.AddressIsPoisoned(end-1)
	if clean && alignedE > alignedB {
		clean = memIsZero(m.bytes[m.index(alignedB):m.index(alignedE)])
	}
	if clean {
		return 0
	}
	for a := addr; a < end; a++ {
		if m.AddressIsPoisoned(a) {
			return a
		}
	}
	return 0
}

// PoisonRegion poisons [addr, addr+size) with the user magic on behalf of
// application code. Granule-straddling boundaries round so that the poisoned
// region never grows: a head or tail sharing a granule with live memory
// keeps that memory addressable and the poison undershoots.
func (m *Memory) PoisonRegion(addr, size uintptr) {
	if size == 0 {
		return
	}
	end := addr + size
	if !m.Covers(addr) || !m.Covers(end-1) {
		return
	}
	begChunk := addr &^ (Granularity - 1)
	begOff := addr & (Granularity - 1)
	begVal := int8(m.bytes[m.index(addr)])
	endChunk := end &^ (Granularity - 1)
	endOff := end & (Granularity - 1)

	if begChunk == endChunk {
		// The range lives inside one granule; endOff > begOff here. Poison
		// only when the byte at endOff is already unaddressable, so the
		// bytes past the range stay reachable.
		if begVal > 0 && uintptr(begVal) <= endOff {
			if begOff > 0 {
				if uintptr(begVal) > begOff {
					m.bytes[m.index(begChunk)] = byte(begOff)
				}
			} else {
				m.bytes[m.index(begChunk)] = UserPoisoned
			}
		}
		return
	}

	first := begChunk
	if begOff > 0 {
		// Keep the bytes before addr valid; shrink the granule's prefix.
		if begVal == 0 || uintptr(begVal) > begOff {
			m.bytes[m.index(begChunk)] = byte(begOff)
		}
		first += Granularity
	}
	for c := first; c < endChunk; c += Granularity {
		m.bytes[m.index(c)] = UserPoisoned
	}
	if endOff > 0 {
		endVal := int8(m.bytes[m.index(endChunk)])
		if endVal > 0 && uintptr(endVal) <= endOff {
			m.bytes[m.index(endChunk)] = UserPoisoned
		}
	}
}

// UnpoisonRegion undoes PoisonRegion. Boundaries round the other way: a
// granule shared with the range's outside becomes fully or partially valid,
// so the unpoisoned region may overshoot into the rest of its granule.
func (m *Memory) UnpoisonRegion(addr, size uintptr) {
	if size == 0 {
		return
	}
	end := addr + size
	if !m.Covers(addr) || !m.Covers(end-1) {
		return
	}
	begChunk := addr &^ (Granularity - 1)
	begOff := addr & (Granularity - 1)
	begVal := int8(m.bytes[m.index(addr)])
	endChunk := end &^ (Granularity - 1)
	endOff := end & (Granularity - 1)

	if begChunk == endChunk {
		if begVal < 0 || (begVal > 0 && uintptr(begVal) < endOff) {
			m.bytes[m.index(begChunk)] = byte(endOff)
		}
		return
	}

	first := begChunk
	if begOff > 0 {
		m.bytes[m.index(begChunk)] = 0
		first += Granularity
	}
	for c := first; c < endChunk; c += Granularity {
		m.bytes[m.index(c)] = 0
	}
	if endOff > 0 {
		endVal := int8(m.bytes[m.index(endChunk)])
		if endVal < 0 || (endVal > 0 && uintptr(endVal) < endOff) {
			m.bytes[m.index(endChunk)] = byte(endOff)
		}
	}
}

// BugKind names the class of memory error a poisoned access hit.
type BugKind uint8

const (
	BugUnknown BugKind = iota
	BugHeapBufferOverflow
	BugHeapUseAfterFree
	BugStackBufferUnderflow
	BugStackBufferOverflow
	BugStackUseAfterReturn
	BugUseAfterPoison
	BugGlobalBufferOverflow
)

func (k BugKind) String() string {
	switch k {
	case BugHeapBufferOverflow:
		return "heap-buffer-overflow"
	case BugHeapUseAfterFree:
		return "heap-use-after-free"
	case BugStackBufferUnderflow:
		return "stack-buffer-underflow"
	case BugStackBufferOverflow:
		return "stack-buffer-overflow"
	case BugStackUseAfterReturn:
		return "stack-use-after-return"
	case BugUseAfterPoison:
		return "use-after-poison"
	case BugGlobalBufferOverflow:
		return "global-buffer-overflow"
	default:
		return "unknown-crash"
	}
}

// Classify maps a faulting access to a bug kind by reading the shadow around
// addr. A zero or partial shadow byte means the fault actually begins in the
// following granule, so those cases look one granule ahead before switching
// on the magic.
func (m *Memory) Classify(addr, accessSize uintptr) BugKind {
	if !m.Covers(addr) {
		return BugUnknown
	}
	idx := m.index(addr)
	s := m.bytes[idx]
	if s == 0 && accessSize > Granularity && idx+1 < uintptr(len(m.bytes)) {
		idx++
		s = m.bytes[idx]
	}
	if s > 0 && s < 128 && idx+1 < uintptr(len(m.bytes)) {
		idx++
		s = m.bytes[idx]
	}
	switch s {
	case HeapLeftRedzone, HeapRightRedzone, InternalHeap:
		return BugHeapBufferOverflow
	case HeapFreed:
		return BugHeapUseAfterFree
	case StackLeftRedzone:
		return BugStackBufferUnderflow
	case StackMidRedzone, StackRightRedzone, StackPartialRedzone:
		return BugStackBufferOverflow
	case StackAfterReturn:
		return BugStackUseAfterReturn
	case UserPoisoned:
		return BugUseAfterPoison
	case GlobalRedzone:
		return BugGlobalBufferOverflow
	default:
		return BugUnknown
	}
}
