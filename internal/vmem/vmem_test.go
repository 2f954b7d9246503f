//go:build unix

package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitRelease(t *testing.T) {
	size := 64 * PageSize()
	s, err := Reserve(size)
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, size, s.Size())
	assert.Equal(t, s.Base()+size, s.End())
	assert.True(t, s.Contains(s.Base()))
	assert.True(t, s.Contains(s.End()-1))
	assert.False(t, s.Contains(s.End()))

	// Commit a range in the middle and use it.
	p := s.Base() + 4*PageSize()
	n := 8 * PageSize()
	require.NoError(t, s.Commit(p, n))

	b := s.Slice(p, n)
	require.Len(t, b, int(n))
	for _, v := range b[:64] {
		assert.Zero(t, v, "fresh pages must read as zero")
	}
	b[0] = 0xab
	b[len(b)-1] = 0xcd
	assert.Equal(t, byte(0xab), s.Slice(p, 1)[0])
	assert.Equal(t, byte(0xcd), s.Slice(p+n-1, 1)[0])
}

func TestReserveRejectsUnalignedSize(t *testing.T) {
	_, err := Reserve(PageSize() + 1)
	assert.Error(t, err)

	_, err = Reserve(0)
	assert.Error(t, err)
}

func TestCommitRejectsBadRanges(t *testing.T) {
	s, err := Reserve(16 * PageSize())
	require.NoError(t, err)
	defer s.Release()

	t.Run("unaligned address", func(t *testing.T) {
		assert.Error(t, s.Commit(s.Base()+1, PageSize()))
	})
	t.Run("unaligned size", func(t *testing.T) {
		assert.Error(t, s.Commit(s.Base(), PageSize()-1))
	})
	t.Run("outside reservation", func(t *testing.T) {
		assert.Error(t, s.Commit(s.End(), PageSize()))
	})
	t.Run("overflowing end", func(t *testing.T) {
		assert.Error(t, s.Commit(s.End()-PageSize(), 2*PageSize()))
	})
}

func TestDecommitDiscardsAndProtects(t *testing.T) {
	s, err := Reserve(16 * PageSize())
	require.NoError(t, err)
	defer s.Release()

	p := s.Base()
	require.NoError(t, s.Commit(p, PageSize()))
	s.Slice(p, 8)[0] = 0xff

	require.NoError(t, s.Decommit(p, PageSize()))

	// Recommit must succeed; on Linux the page reads as zero again.
	require.NoError(t, s.Commit(p, PageSize()))
	_ = s.Slice(p, 8)
}

func TestSlicePanicsOutsideReservation(t *testing.T) {
	s, err := Reserve(4 * PageSize())
	require.NoError(t, err)
	defer s.Release()

	assert.Panics(t, func() { s.Slice(s.End(), 1) })
	assert.Panics(t, func() { s.Slice(s.Base()-1, 1) })
	assert.Panics(t, func() { s.Slice(s.End()-1, 2) })
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, err := Reserve(4 * PageSize())
	require.NoError(t, err)
	require.NoError(t, s.Release())
	require.NoError(t, s.Release())

	assert.Error(t, s.Commit(s.Base(), PageSize()))
}

func TestRounding(t *testing.T) {
	ps := uintptr(4096)
	assert.Equal(t, ps, RoundUpTo(1, ps))
	assert.Equal(t, ps, RoundUpTo(ps, ps))
	assert.Equal(t, 2*ps, RoundUpTo(ps+1, ps))
	assert.Equal(t, uintptr(0), RoundDownTo(ps-1, ps))
	assert.Equal(t, ps, RoundDownTo(ps+1, ps))

	assert.True(t, IsAligned(0, 8))
	assert.True(t, IsAligned(64, 8))
	assert.False(t, IsAligned(65, 8))

	assert.True(t, IsPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(4096))
	assert.False(t, IsPowerOfTwo(0))
	assert.False(t, IsPowerOfTwo(48))
}
