// Package shadow maintains the side table that records, for every 8-byte
// granule of checked application memory, whether its bytes are addressable.
//
// One shadow byte describes one granule: 0 means all 8 bytes are valid, a
// value k in 1..7 means only the first k bytes are valid, and any value with
// the high bit set is a poison magic naming why the granule is off limits
// (heap redzone, freed memory, fake-stack redzone, and so on). The shadow
// bytes for an address are found with a fixed affine transform, so the
// translation is a subtract and a shift.
//
// Poisoning overlapping ranges from two goroutines concurrently is not
// supported; callers must keep ranges disjoint or serialize externally.
package shadow

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

const (
	// Scale is the log2 of the granule size.
	Scale = 3
	// Granularity is how many application bytes one shadow byte covers.
	Granularity = 1 << Scale
)

// Poison magics. Values are >= 0x80 so they read as negative signed bytes,
// which is what distinguishes them from the 1..7 partial-granule counts.
const (
	StackLeftRedzone    = 0xf1
	StackMidRedzone     = 0xf2
	StackRightRedzone   = 0xf3
	StackPartialRedzone = 0xf4
	StackAfterReturn    = 0xf5
	UserPoisoned        = 0xf7
	GlobalRedzone       = 0xf9
	HeapLeftRedzone     = 0xfa
	HeapRightRedzone    = 0xfb
	HeapFreed           = 0xfd
	InternalHeap        = 0xfe
)

// Memory is the shadow table for one contiguous application range.
type Memory struct {
	bytes   []byte  // one byte per granule, committed for the whole range
	appBase uintptr // first application address covered
	appEnd  uintptr
	shBase  uintptr // address of bytes[0], for diagnostics
}

// New wraps the committed shadow bytes covering [appBase, appBase+appSize).
// appBase and appSize must be granule aligned and len(shadowBytes) must be
// exactly appSize >> Scale.
func New(shadowBytes []byte, appBase, appSize uintptr) (*Memory, error) {
	if appBase&(Granularity-1) != 0 || appSize&(Granularity-1) != 0 {
		return nil, fmt.Errorf("shadow: application range [%#x, %#x) is not granule aligned",
			appBase, appBase+appSize)
	}
	if uintptr(len(shadowBytes)) != appSize>>Scale {
		return nil, fmt.Errorf("shadow: got %d shadow bytes for %d application bytes, want %d",
			len(shadowBytes), appSize, appSize>>Scale)
	}
	return &Memory{
		bytes:   shadowBytes,
		appBase: appBase,
		appEnd:  appBase + appSize,
		shBase:  uintptr(unsafe.Pointer(&shadowBytes[0])),
	}, nil
}

// Covers reports whether addr is inside the checked application range.
func (m *Memory) Covers(addr uintptr) bool {
	return addr >= m.appBase && addr < m.appEnd
}

func (m *Memory) index(addr uintptr) uintptr {
	return (addr - m.appBase) >> Scale
}

// ShadowFor returns the shadow byte describing the granule of addr.
func (m *Memory) ShadowFor(addr uintptr) byte {
	return m.bytes[m.index(addr)]
}

// ShadowAddr returns the process address of the shadow byte for addr.
// Purely diagnostic; reports print it so shadow dumps can be correlated.
func (m *Memory) ShadowAddr(addr uintptr) uintptr {
	return m.shBase + m.index(addr)
}

// ShadowBytes returns n raw shadow bytes starting at the shadow address sa,
// clipped to the table. The bool is false when sa is entirely outside it.
func (m *Memory) ShadowBytes(sa uintptr, n int) ([]byte, bool) {
	end := m.shBase + uintptr(len(m.bytes))
	if sa >= end || sa+uintptr(n) <= m.shBase {
		return nil, false
	}
	lo := uintptr(0)
	if sa > m.shBase {
		lo = sa - m.shBase
	}
	hi := lo + uintptr(n)
	if sa < m.shBase {
		hi = uintptr(n) - (m.shBase - sa)
	}
	if hi > uintptr(len(m.bytes)) {
		hi = uintptr(len(m.bytes))
	}
	return m.bytes[lo:hi], true
}

// Poison marks [addr, addr+size) unaddressable with the given magic.
// Both addr and size must be granule aligned; allocator-internal callers
// always poison whole granules and use PoisonPartialRightRedzone or Unpoison
// for ragged tails.
func (m *Memory) Poison(addr, size uintptr, magic byte) {
	m.requireAligned(addr, size)
	beg := m.index(addr)
	end := beg + size>>Scale
	fill(m.bytes[beg:end], magic)
}

// Unpoison marks [addr, addr+size) addressable. addr must be granule
// aligned; a ragged size leaves the trailing granule partially valid.
func (m *Memory) Unpoison(addr, size uintptr) {
	if addr&(Granularity-1) != 0 {
		panic(fmt.Sprintf("shadow: unpoison of unaligned address %#x", addr))
	}
	beg := m.index(addr)
	end := beg + size>>Scale
	fill(m.bytes[beg:end], 0)
	if tail := size & (Granularity - 1); tail != 0 {
		m.bytes[end] = byte(tail)
	}
}

// PoisonPartialRightRedzone writes the shadow for a chunk tail: granules
// fully inside size stay valid, the granule straddling size becomes partial,
// and the rest of the redzone takes the magic. addr and redzoneSize must be
// granule aligned and size <= redzoneSize.
func (m *Memory) PoisonPartialRightRedzone(addr, size, redzoneSize uintptr, magic byte) {
	m.requireAligned(addr, redzoneSize)
	idx := m.index(addr)
	for i := uintptr(0); i < redzoneSize; i += Granularity {
		switch {
		case i+Granularity <= size:
			m.bytes[idx] = 0
		case i >= size:
			m.bytes[idx] = magic
		default:
			m.bytes[idx] = byte(size - i)
		}
		idx++
	}
}

// FillWords writes words repetitions of the 8-byte pattern into the shadow
// starting at the granule of addr. It is the fast path for fake-stack frames
// whose shadow spans are small powers of two; addr must be aligned so that
// its shadow index is 8-byte aligned (64-byte aligned application memory).
func (m *Memory) FillWords(addr uintptr, words int, pattern uint64) {
	idx := m.index(addr)
	if idx&7 != 0 {
		panic(fmt.Sprintf("shadow: word fill at %#x lands on unaligned shadow index %d", addr, idx))
	}
	w := unsafe.Slice((*uint64)(unsafe.Pointer(&m.bytes[idx])), words)
	for i := range w {
		w[i] = pattern
	}
}

func (m *Memory) requireAligned(addr, size uintptr) {
	if addr&(Granularity-1) != 0 || size&(Granularity-1) != 0 {
		panic(fmt.Sprintf("shadow: range [%#x, %#x) is not granule aligned", addr, addr+size))
	}
	if !m.Covers(addr) || size > m.appEnd-addr {
		panic(fmt.Sprintf("shadow: range [%#x, %#x) outside covered range [%#x, %#x)",
			addr, addr+size, m.appBase, m.appEnd))
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// memIsZero reports whether every byte of b is zero, checking a word at a
// time for the long middle.
func memIsZero(b []byte) bool {
	for len(b) >= 8 {
		if binary.LittleEndian.Uint64(b) != 0 {
			return false
		}
		b = b[8:]
	}
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
