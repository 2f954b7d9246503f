package combined

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memsan/internal/primary"
	"github.com/hupe1980/memsan/internal/secondary"
	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/hupe1980/memsan/internal/vmem"
)

func newTestStack(t *testing.T) (*Allocator, *Cache) {
	t.Helper()
	classes := sizeclass.Compact
	regionSize := 256 * vmem.PageSize()
	primSize := regionSize * uintptr(classes.NumClasses())
	secSize := 1024 * vmem.PageSize()

	sp, err := vmem.Reserve(primSize + secSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Release() })

	prim, err := primary.New(primary.Config{
		Space: sp, Beg: sp.Base(), Size: primSize, Classes: classes,
	})
	require.NoError(t, err)
	sec, err := secondary.New(secondary.Config{
		Space: sp, Beg: sp.Base() + primSize, Size: secSize,
	})
	require.NoError(t, err)

	a, err := New(prim, sec, sp, nil)
	require.NoError(t, err)
	return a, NewCache(classes.NumClasses())
}

func TestRoutesBySize(t *testing.T) {
	a, cache := newTestStack(t)

	small := a.Allocate(cache, 64, 1, false)
	require.NotZero(t, small)
	assert.True(t, a.Primary().PointerIsMine(small))

	big := a.Allocate(cache, 64<<10, 1, false)
	require.NotZero(t, big)
	assert.True(t, a.Secondary().PointerIsMine(big))
	assert.True(t, a.PointerIsMine(big))

	a.Deallocate(cache, small)
	a.Deallocate(cache, big)
}

func TestZeroSizeAllocationsAreDistinct(t *testing.T) {
	a, cache := newTestStack(t)

	p1 := a.Allocate(cache, 0, 1, false)
	p2 := a.Allocate(cache, 0, 1, false)
	require.NotZero(t, p1)
	require.NotZero(t, p2)
	assert.NotEqual(t, p1, p2)
	assert.GreaterOrEqual(t, a.AllocatedSize(p1), uintptr(1))
}

func TestLargeAlignmentGoesToSecondary(t *testing.T) {
	a, cache := newTestStack(t)
	align := 4 * vmem.PageSize()

	p := a.Allocate(cache, 64, align, false)
	require.NotZero(t, p)
	assert.Zero(t, p%align)
	assert.True(t, a.Secondary().PointerIsMine(p))
}

func TestSmallAlignmentStaysInPrimary(t *testing.T) {
	a, cache := newTestStack(t)

	p := a.Allocate(cache, 24, 16, false)
	require.NotZero(t, p)
	assert.Zero(t, p%16)
	assert.True(t, a.Primary().PointerIsMine(p))
}

func TestClearedScrubsRecycledChunks(t *testing.T) {
	a, cache := newTestStack(t)

	p := a.Allocate(cache, 100, 1, false)
	b := a.space.Slice(p, 100)
	for i := range b {
		b[i] = 0xff
	}
	a.Deallocate(cache, p)

	// The cache is LIFO, so the same dirty chunk comes back.
	q := a.Allocate(cache, 100, 1, true)
	require.Equal(t, p, q)
	for i, v := range a.space.Slice(q, 100) {
		require.Zero(t, v, "byte %d not cleared", i)
	}
}

func TestReallocatePreservesData(t *testing.T) {
	a, cache := newTestStack(t)

	p := a.Allocate(cache, 128, 1, false)
	b := a.space.Slice(p, 128)
	for i := range b {
		b[i] = byte(i)
	}

	// Growing across the primary/secondary boundary must carry the bytes.
	q := a.Reallocate(cache, p, 64<<10, 1)
	require.NotZero(t, q)
	assert.True(t, a.Secondary().PointerIsMine(q))
	for i, v := range a.space.Slice(q, 128) {
		require.Equal(t, byte(i), v, "byte %d lost growing", i)
	}

	// Shrinking back keeps the prefix.
	r := a.Reallocate(cache, q, 32, 1)
	require.NotZero(t, r)
	assert.True(t, a.Primary().PointerIsMine(r))
	for i, v := range a.space.Slice(r, 32) {
		require.Equal(t, byte(i), v, "byte %d lost shrinking", i)
	}
	a.Deallocate(cache, r)
}

func TestReallocateEdges(t *testing.T) {
	a, cache := newTestStack(t)

	p := a.Reallocate(cache, 0, 64, 1)
	require.NotZero(t, p, "realloc from nil allocates")

	q := a.Reallocate(cache, p, 0, 1)
	assert.Zero(t, q, "realloc to zero frees")
}

func TestDeallocateZeroIsNoop(t *testing.T) {
	a, cache := newTestStack(t)
	a.Deallocate(cache, 0) // must not fault or die
}

func TestCacheDrainsAtTwiceQuota(t *testing.T) {
	a, cache := newTestStack(t)

	classes := a.Primary().Classes()
	class := classes.ClassID(512)
	quota := classes.MaxCached(class)
	require.Equal(t, 4, quota, "test assumes the 512-byte class caches 4 chunks")

	ptrs := make([]uintptr, 0, 2*quota)
	for i := 0; i < 2*quota; i++ {
		ptrs = append(ptrs, a.Allocate(cache, 512, 1, false))
	}

	for i := 0; i < 2*quota-1; i++ {
		a.Deallocate(cache, ptrs[i])
	}
	require.Equal(t, 2*quota-1, cache.cached(class), "below threshold nothing drains")

	a.Deallocate(cache, ptrs[2*quota-1])
	assert.Equal(t, quota, cache.cached(class), "crossing the threshold drains half")
}

func TestSwallowCacheEmptiesAllClasses(t *testing.T) {
	a, cache := newTestStack(t)

	p1 := a.Allocate(cache, 16, 1, false)
	p2 := a.Allocate(cache, 300, 1, false)
	a.Deallocate(cache, p1)
	a.Deallocate(cache, p2)

	classes := a.Primary().Classes()
	require.Positive(t, cache.cached(classes.ClassID(16)))

	a.SwallowCache(cache)
	assert.Zero(t, cache.cached(classes.ClassID(16)))
	assert.Zero(t, cache.cached(classes.ClassID(300)))

	// Swallowed chunks are still allocatable from the shared pool.
	q := a.Allocate(cache, 16, 1, false)
	require.NotZero(t, q)
}

func TestTotalMemoryUsedCountsBothSides(t *testing.T) {
	a, cache := newTestStack(t)
	require.Zero(t, a.TotalMemoryUsed())

	_ = a.Allocate(cache, 64, 1, false)
	_ = a.Allocate(cache, 64<<10, 1, false)
	assert.Positive(t, a.Primary().TotalMemoryUsed())
	assert.Positive(t, a.Secondary().TotalMemoryUsed())
	assert.Equal(t, a.Primary().TotalMemoryUsed()+a.Secondary().TotalMemoryUsed(), a.TotalMemoryUsed())
}
