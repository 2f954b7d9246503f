package primary

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/hupe1980/memsan/internal/vmem"
)

func newTestAllocator(t *testing.T, fatalf func(string, ...any)) *Allocator {
	t.Helper()
	classes := sizeclass.Compact
	regionSize := 256 * vmem.PageSize()
	size := regionSize * uintptr(classes.NumClasses())
	sp, err := vmem.Reserve(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Release() })

	a, err := New(Config{
		Space:   sp,
		Beg:     sp.Base(),
		Size:    size,
		Classes: classes,
		Fatalf:  fatalf,
	})
	require.NoError(t, err)
	return a
}

func TestNewValidation(t *testing.T) {
	sp, err := vmem.Reserve(16 * vmem.PageSize())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Release() })

	_, err = New(Config{Space: nil})
	assert.Error(t, err, "nil space")

	_, err = New(Config{Space: sp, Beg: sp.Base(), Size: 12345, Classes: sizeclass.Compact})
	assert.Error(t, err, "size not divisible into regions")

	_, err = New(Config{Space: sp, Beg: sp.Base(), Size: 16 * vmem.PageSize() * uintptr(sizeclass.Compact.NumClasses()), Classes: sizeclass.Compact})
	assert.Error(t, err, "range larger than reservation")
}

func TestBulkAllocateHandsOutDistinctChunks(t *testing.T) {
	a := newTestAllocator(t, nil)

	type chunk struct {
		addr uintptr
		size uintptr
	}
	var chunks []chunk
	seen := make(map[uintptr]bool)

	for _, class := range []int{1, 5, 9, 14} {
		size := a.Classes().Size(class)
		var got []uintptr
		for i := 0; i < 3; i++ {
			got = a.BulkAllocate(class, got)
		}
		require.NotEmpty(t, got)
		for _, p := range got {
			require.False(t, seen[p], "chunk %#x handed out twice", p)
			seen[p] = true
			chunks = append(chunks, chunk{p, size})
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].addr < chunks[j].addr })
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		require.GreaterOrEqual(t, chunks[i].addr, prev.addr+prev.size,
			"chunk %#x overlaps [%#x, +%d)", chunks[i].addr, prev.addr, prev.size)
	}
}

func TestPointerGeometry(t *testing.T) {
	a := newTestAllocator(t, nil)

	for _, class := range []int{0, 3, 11} {
		size := a.Classes().Size(class)
		got := a.BulkAllocate(class, nil)
		require.NotEmpty(t, got)
		for _, p := range got {
			require.True(t, a.PointerIsMine(p))
			require.Equal(t, class, a.SizeClass(p))
			require.Equal(t, size, a.AllocatedSize(p))
			require.Equal(t, p, a.BlockBegin(p))
			// Interior pointers resolve to the same chunk.
			require.Equal(t, p, a.BlockBegin(p+size/2))
			require.Equal(t, p, a.BlockBegin(p+size-1))
		}
	}

	assert.False(t, a.PointerIsMine(a.Beg()-1))
	assert.False(t, a.PointerIsMine(a.End()))
}

func TestMetadataIsDisjointFromChunks(t *testing.T) {
	a := newTestAllocator(t, nil)

	const class = 7
	size := a.Classes().Size(class)
	got := a.BulkAllocate(class, nil)
	require.NotEmpty(t, got)

	// Fill each chunk and its metadata with distinct patterns; neither may
	// clobber the other.
	for i, p := range got {
		user := unsafeBytes(t, a, p, size)
		for j := range user {
			user[j] = byte(i)
		}
		meta := a.Metadata(p)
		require.Len(t, meta, MetadataSize)
		for j := range meta {
			meta[j] = ^byte(i)
		}
	}
	for i, p := range got {
		user := unsafeBytes(t, a, p, size)
		for j := range user {
			require.Equal(t, byte(i), user[j], "chunk %d byte %d", i, j)
		}
		for j, b := range a.Metadata(p) {
			require.Equal(t, ^byte(i), b, "meta %d byte %d", i, j)
		}
	}
}

func unsafeBytes(t *testing.T, a *Allocator, p, n uintptr) []byte {
	t.Helper()
	require.True(t, a.PointerIsMine(p))
	return a.space.Slice(p, n)
}

func TestBulkDeallocateRecycles(t *testing.T) {
	a := newTestAllocator(t, nil)

	const class = 10
	first := a.BulkAllocate(class, nil)
	require.NotEmpty(t, first)

	recycled := []uintptr{first[0], first[1]}
	a.BulkDeallocate(class, recycled)

	second := a.BulkAllocate(class, nil)
	require.NotEmpty(t, second)
	assert.Contains(t, second, recycled[0])
	assert.Contains(t, second, recycled[1])
}

func TestStatsGrowWithPopulation(t *testing.T) {
	a := newTestAllocator(t, nil)

	require.Zero(t, a.TotalMemoryUsed())
	s := a.Stats()
	require.Zero(t, s.MappedUser)

	_ = a.BulkAllocate(2, nil)
	s = a.Stats()
	assert.Positive(t, s.MappedUser)
	assert.Positive(t, s.AllocatedUser)
	assert.Positive(t, s.AllocatedMeta)
	assert.Positive(t, a.TotalMemoryUsed())
}

func TestOnCommitObservesPages(t *testing.T) {
	classes := sizeclass.Compact
	regionSize := 256 * vmem.PageSize()
	size := regionSize * uintptr(classes.NumClasses())
	sp, err := vmem.Reserve(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Release() })

	var committed uintptr
	a, err := New(Config{
		Space:   sp,
		Beg:     sp.Base(),
		Size:    size,
		Classes: classes,
		OnCommit: func(addr, n uintptr) {
			committed += n
		},
	})
	require.NoError(t, err)

	_ = a.BulkAllocate(4, nil)
	assert.Positive(t, committed)
	assert.Equal(t, a.Stats().MappedUser+a.Stats().MappedMeta, committed)
}

func TestCommitStaysInsideOwningRegion(t *testing.T) {
	classes := sizeclass.Compact
	regionSize := 256 * vmem.PageSize() // smaller than one commit step
	size := regionSize * uintptr(classes.NumClasses())
	sp, err := vmem.Reserve(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Release() })

	type span struct{ beg, end uintptr }
	var commits []span
	a, err := New(Config{
		Space:   sp,
		Beg:     sp.Base(),
		Size:    size,
		Classes: classes,
		OnCommit: func(addr, n uintptr) {
			commits = append(commits, span{addr, addr + n})
		},
	})
	require.NoError(t, err)

	// Populate the higher class first, then its lower neighbor. The
	// neighbor's commit step exceeds the region size and must be clamped
	// inside its own region instead of spilling over the live chunks above.
	high := a.BulkAllocate(5, nil)
	require.NotEmpty(t, high)
	commits = commits[:0]
	low := a.BulkAllocate(4, nil)
	require.NotEmpty(t, low)

	regionBeg := a.Beg() + 4*a.RegionSize()
	require.NotEmpty(t, commits)
	for _, c := range commits {
		assert.GreaterOrEqual(t, c.beg, regionBeg)
		assert.LessOrEqual(t, c.end, regionBeg+a.RegionSize())
	}
}

func TestCommitRangesNeverOverlap(t *testing.T) {
	classes := sizeclass.Compact
	regionSize := 256 * vmem.PageSize()
	size := regionSize * uintptr(classes.NumClasses())
	sp, err := vmem.Reserve(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Release() })

	type span struct{ beg, end uintptr }
	var commits []span
	a, err := New(Config{
		Space:   sp,
		Beg:     sp.Base(),
		Size:    size,
		Classes: classes,
		OnCommit: func(addr, n uintptr) {
			commits = append(commits, span{addr, addr + n})
		},
	})
	require.NoError(t, err)

	for _, class := range []int{3, 4, 5, 24} {
		for i := 0; i < 8; i++ {
			_ = a.BulkAllocate(class, nil)
		}
	}

	// User and metadata commits grow toward each other inside one region;
	// a page committed twice is accounted and poisoned twice.
	for i, c := range commits {
		for _, d := range commits[:i] {
			assert.True(t, c.end <= d.beg || d.end <= c.beg,
				"commits [%#x, %#x) and [%#x, %#x) overlap", c.beg, c.end, d.beg, d.end)
		}
	}
}

type fatalCall struct{ msg string }

func TestRegionExhaustionIsFatal(t *testing.T) {
	died := false
	a := newTestAllocator(t, func(format string, args ...any) {
		died = true
		panic(fatalCall{})
	})

	// Drain a mid-sized class until its region runs out of virgin memory.
	class := a.Classes().ClassID(4096)
	func() {
		defer func() {
			if r := recover(); r != nil {
				_, ok := r.(fatalCall)
				require.True(t, ok, "unexpected panic: %v", r)
			}
		}()
		for i := 0; i < 1<<16; i++ {
			_ = a.BulkAllocate(class, nil)
		}
	}()
	assert.True(t, died, "allocator must die when a region is exhausted")
}
