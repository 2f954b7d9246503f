// Package sizeclass maps allocation sizes to a small set of size classes and
// back.
//
// Classes are generated by a spline of five linear segments: the first class
// is L0 bytes, classes then grow in steps of S0 until L1, then in steps of S1
// until L2, and so on up to L5, the largest class. Steps are powers of two so
// both directions of the mapping are shifts and adds rather than divisions.
// A map never has more than 256 classes, which keeps a class id in one byte
// and lets the primary allocator derive the class of a pointer from its
// address alone.
package sizeclass

import "fmt"

// Config holds the spline parameters of a size-class map.
//
// L are the segment boundaries (L[0] is the smallest class, L[5] the
// largest), S the per-segment steps, and C the per-segment cache limits
// returned by MaxCached.
type Config struct {
	L [6]uintptr
	S [5]uintptr
	C [5]int
}

// Map converts between sizes and class ids. Construct with New; the zero
// value is not usable.
type Map struct {
	l [6]uintptr
	s [5]uintptr
	c [5]int
	u [5]int // cumulative class-id breakpoints per segment
}

// New validates cfg and builds the Map.
func New(cfg Config) (*Map, error) {
	for i := 0; i < 5; i++ {
		if cfg.L[i] >= cfg.L[i+1] {
			return nil, fmt.Errorf("sizeclass: boundaries not increasing: L%d=%d, L%d=%d",
				i, cfg.L[i], i+1, cfg.L[i+1])
		}
		if !isPowerOfTwo(cfg.S[i]) {
			return nil, fmt.Errorf("sizeclass: step S%d=%d is not a power of two", i, cfg.S[i])
		}
		if (cfg.L[i+1]-cfg.L[i])%cfg.S[i] != 0 {
			return nil, fmt.Errorf("sizeclass: segment [%d, %d] is not divisible by step %d",
				cfg.L[i], cfg.L[i+1], cfg.S[i])
		}
		if cfg.C[i] <= 0 {
			return nil, fmt.Errorf("sizeclass: cache limit C%d=%d must be positive", i, cfg.C[i])
		}
	}
	if !isPowerOfTwo(cfg.L[5]) {
		return nil, fmt.Errorf("sizeclass: max size %d is not a power of two", cfg.L[5])
	}

	m := &Map{l: cfg.L, s: cfg.S, c: cfg.C}
	u := 0
	for i := 0; i < 5; i++ {
		u += int((cfg.L[i+1] - cfg.L[i]) / cfg.S[i])
		m.u[i] = u
	}

	n := m.NumClasses()
	if n > 256 {
		return nil, fmt.Errorf("sizeclass: %d classes exceed the limit of 256", n)
	}
	if n&(n-1) != 0 {
		return nil, fmt.Errorf("sizeclass: number of classes %d is not a power of two", n)
	}
	return m, nil
}

// MustNew is New for statically known configurations.
func MustNew(cfg Config) *Map {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

// Default covers sizes up to 2MB in 256 classes: 16-byte granularity for
// small sizes, growing to 32KB steps for the largest segment.
var Default = MustNew(Config{
	L: [6]uintptr{1 << 4, 1 << 9, 1 << 12, 1 << 15, 1 << 18, 1 << 21},
	S: [5]uintptr{1 << 4, 1 << 6, 1 << 9, 1 << 12, 1 << 15},
	C: [5]int{256, 64, 16, 4, 1},
})

// Compact covers sizes up to 32KB in 32 classes. Useful when the reserved
// space is small and per-class regions must stay large relative to it.
var Compact = MustNew(Config{
	L: [6]uintptr{1 << 3, 1 << 4, 1 << 7, 1 << 8, 1 << 12, 1 << 15},
	S: [5]uintptr{1 << 3, 1 << 4, 1 << 7, 1 << 8, 1 << 12},
	C: [5]int{256, 64, 16, 4, 1},
})

// NumClasses returns the number of classes, always a power of two <= 256.
func (m *Map) NumClasses() int { return m.u[4] + 1 }

// MaxSize returns the size of the largest class.
func (m *Map) MaxSize() uintptr { return m.l[5] }

// MinSize returns the size of class 0.
func (m *Map) MinSize() uintptr { return m.l[0] }

// Size returns the chunk size of classID. classID must be a valid class.
func (m *Map) Size(classID int) uintptr {
	switch {
	case classID <= m.u[0]:
		return m.l[0] + m.s[0]*uintptr(classID)
	case classID <= m.u[1]:
		return m.l[1] + m.s[1]*uintptr(classID-m.u[0])
	case classID <= m.u[2]:
		return m.l[2] + m.s[2]*uintptr(classID-m.u[1])
	case classID <= m.u[3]:
		return m.l[3] + m.s[3]*uintptr(classID-m.u[2])
	case classID <= m.u[4]:
		return m.l[4] + m.s[4]*uintptr(classID-m.u[3])
	}
	return 0
}

// ClassID returns the smallest class whose size is >= size.
// size must be in [1, MaxSize].
func (m *Map) ClassID(size uintptr) int {
	switch {
	case size <= m.l[1]:
		if size <= m.l[0] {
			return 0
		}
		return int((size - m.l[0] + m.s[0] - 1) / m.s[0])
	case size <= m.l[2]:
		return m.u[0] + int((size-m.l[1]+m.s[1]-1)/m.s[1])
	case size <= m.l[3]:
		return m.u[1] + int((size-m.l[2]+m.s[2]-1)/m.s[2])
	case size <= m.l[4]:
		return m.u[2] + int((size-m.l[3]+m.s[3]-1)/m.s[3])
	case size <= m.l[5]:
		return m.u[3] + int((size-m.l[4]+m.s[4]-1)/m.s[4])
	}
	return 0
}

// MaxCached returns how many free chunks of classID a local cache may hold
// before it starts writing batches back to the shared free list.
func (m *Map) MaxCached(classID int) int {
	switch {
	case classID <= m.u[0]:
		return m.c[0]
	case classID <= m.u[1]:
		return m.c[1]
	case classID <= m.u[2]:
		return m.c[2]
	case classID <= m.u[3]:
		return m.c[3]
	case classID <= m.u[4]:
		return m.c[4]
	}
	return 0
}

func isPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}
