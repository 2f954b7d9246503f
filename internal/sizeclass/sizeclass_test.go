package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultShape(t *testing.T) {
	assert.Equal(t, 256, Default.NumClasses())
	assert.Equal(t, uintptr(16), Default.MinSize())
	assert.Equal(t, uintptr(1<<21), Default.MaxSize())
	assert.Equal(t, uintptr(16), Default.Size(0))
	assert.Equal(t, uintptr(1<<21), Default.Size(Default.NumClasses()-1))
}

func TestCompactShape(t *testing.T) {
	assert.Equal(t, 32, Compact.NumClasses())
	assert.Equal(t, uintptr(8), Compact.MinSize())
	assert.Equal(t, uintptr(1<<15), Compact.MaxSize())
}

func testRoundTrip(t *testing.T, m *Map) {
	t.Helper()

	// Every size maps to a class at least as large.
	for size := uintptr(1); size <= m.MaxSize(); size++ {
		c := m.ClassID(size)
		require.GreaterOrEqual(t, c, 0)
		require.Less(t, c, m.NumClasses())
		require.GreaterOrEqual(t, m.Size(c), size,
			"size %d mapped to class %d of size %d", size, c, m.Size(c))
		if c > 0 {
			require.Less(t, m.Size(c-1), size,
				"size %d should not fit in the previous class %d", size, c-1)
		}
	}

	// Every class size maps back to its own class.
	for c := 0; c < m.NumClasses(); c++ {
		require.Equal(t, c, m.ClassID(m.Size(c)))
	}
}

func TestRoundTripDefault(t *testing.T) { testRoundTrip(t, Default) }
func TestRoundTripCompact(t *testing.T) { testRoundTrip(t, Compact) }

func TestMonotonicity(t *testing.T) {
	for _, m := range []*Map{Default, Compact} {
		for c := 1; c < m.NumClasses(); c++ {
			assert.Greater(t, m.Size(c), m.Size(c-1))
		}
	}
}

func TestMaxCached(t *testing.T) {
	assert.Equal(t, 256, Default.MaxCached(0))
	assert.Equal(t, 1, Default.MaxCached(Default.NumClasses()-1))
	for c := 0; c < Default.NumClasses(); c++ {
		assert.Positive(t, Default.MaxCached(c))
	}
}

func TestNewValidation(t *testing.T) {
	base := Config{
		L: [6]uintptr{1 << 4, 1 << 9, 1 << 12, 1 << 15, 1 << 18, 1 << 21},
		S: [5]uintptr{1 << 4, 1 << 6, 1 << 9, 1 << 12, 1 << 15},
		C: [5]int{256, 64, 16, 4, 1},
	}

	t.Run("valid", func(t *testing.T) {
		_, err := New(base)
		assert.NoError(t, err)
	})

	t.Run("non power of two step", func(t *testing.T) {
		cfg := base
		cfg.S[0] = 48
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("decreasing boundaries", func(t *testing.T) {
		cfg := base
		cfg.L[1] = cfg.L[0]
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("indivisible segment", func(t *testing.T) {
		cfg := base
		cfg.S[1] = 1 << 10 // (4096-512) % 1024 != 0
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("zero cache limit", func(t *testing.T) {
		cfg := base
		cfg.C[2] = 0
		_, err := New(cfg)
		assert.Error(t, err)
	})
}

func FuzzClassIDRoundTrip(f *testing.F) {
	f.Add(uint64(1))
	f.Add(uint64(16))
	f.Add(uint64(17))
	f.Add(uint64(1 << 21))
	f.Fuzz(func(t *testing.T, size uint64) {
		if size == 0 || uintptr(size) > Default.MaxSize() {
			t.Skip()
		}
		c := Default.ClassID(uintptr(size))
		if Default.Size(c) < uintptr(size) {
			t.Fatalf("class %d of size %d does not fit request %d", c, Default.Size(c), size)
		}
	})
}
