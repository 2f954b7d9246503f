package memsan

import (
	"testing"

	"github.com/hupe1980/memsan/internal/fakestack"
	"github.com/hupe1980/memsan/internal/shadow"
	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLayout(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		o := applyOptions(nil)
		require.NoError(t, o.validate())

		l, err := computeLayout(&o)
		require.NoError(t, err)

		assert.Equal(t, l.shadowSize+gapSize+l.appSize, l.totalSize)
		assert.Equal(t, l.appSize>>shadow.Scale, l.shadowSize)
		assert.Equal(t, l.primSize+l.secSize+l.fsSize, l.appSize)
		assert.Equal(t, uintptr(defaultStackSizeLog), l.fsLog)
		assert.Zero(t, l.primSize%uintptr(o.classes.NumClasses()),
			"primary splits evenly across the classes")
	})

	t.Run("SmallSpaceUsesSmallFakeStack", func(t *testing.T) {
		o := applyOptions([]Option{
			WithSizeClassMap(sizeclass.Compact),
			WithSpaceSize(1 << 28),
		})

		l, err := computeLayout(&o)
		require.NoError(t, err)

		assert.Equal(t, uintptr(smallStackSizeLog), l.fsLog)
		assert.Equal(t, fakestack.ZoneSize(smallStackSizeLog), l.fsSize)
	})

	t.Run("FakeStackDisabled", func(t *testing.T) {
		o := applyOptions([]Option{
			WithSizeClassMap(sizeclass.Compact),
			WithSpaceSize(1 << 28),
			WithUseFakeStack(false),
		})

		l, err := computeLayout(&o)
		require.NoError(t, err)

		assert.Zero(t, l.fsSize)
		assert.Equal(t, l.primSize+l.secSize, l.appSize)
	})

	t.Run("TooSmallForDefaultClasses", func(t *testing.T) {
		// 128 MB passes validation but cannot give 256 per-class regions
		// room for a 2 MB class.
		o := applyOptions([]Option{WithSpaceSize(1 << 27)})
		require.NoError(t, o.validate())

		_, err := computeLayout(&o)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidOptions)

		var oe *ErrOptionValue
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, "space_size", oe.Option)
		assert.Contains(t, oe.Reason, "largest size class")
	})
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"Defaults", nil, ""},
		{"RedzoneZero", []Option{WithRedzone(0)}, "power of two"},
		{"RedzoneTooSmall", []Option{WithRedzone(16)}, "power of two"},
		{"RedzoneNotPowerOfTwo", []Option{WithRedzone(33)}, "power of two"},
		{"RedzoneTooLarge", []Option{WithRedzone(4096)}, "power of two"},
		{"ContextSizeZero", []Option{WithMallocContextSize(0)}, "must be in [1, 64]"},
		{"ContextSizeTooLarge", []Option{WithMallocContextSize(65)}, "must be in [1, 64]"},
		{"ExitCodeZero", []Option{WithExitCode(0)}, "must be in [1, 255]"},
		{"ExitCodeTooLarge", []Option{WithExitCode(256)}, "must be in [1, 255]"},
		{"SpaceTooSmall", []Option{WithSpaceSize(1 << 20)}, "at least 128 MB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := applyOptions(tt.opts)
			err := o.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOptions)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseEnvOptions(t *testing.T) {
	t.Run("AppliesValues", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("redzone=64:quarantine_size_mb=4:malloc_context_size=12:exitcode=7", &o)
		require.NoError(t, err)

		assert.Equal(t, uintptr(64), o.redzone)
		assert.Equal(t, uintptr(4<<20), o.quarantineSize)
		assert.Equal(t, 12, o.mallocContextSize)
		assert.Equal(t, 7, o.exitCode)
	})

	t.Run("AppliesFlags", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("use_fake_stack=0:allow_user_poisoning=false:leak_check=true", &o)
		require.NoError(t, err)

		assert.False(t, o.useFakeStack)
		assert.False(t, o.allowUserPoisoning)
		assert.True(t, o.leakCheck)
	})

	t.Run("AppliesSizes", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("space_size_mb=512:max_malloc_fill_size=128:max_free_fill_size=64", &o)
		require.NoError(t, err)

		assert.Equal(t, uintptr(512<<20), o.spaceSize)
		assert.Equal(t, uintptr(128), o.maxMallocFillSize)
		assert.Equal(t, uintptr(64), o.maxFreeFillSize)
	})

	t.Run("EmptyAndTrailingColon", func(t *testing.T) {
		o := applyOptions(nil)
		require.NoError(t, parseEnvOptions("", &o))
		require.NoError(t, parseEnvOptions("redzone=64:", &o))
		assert.Equal(t, uintptr(64), o.redzone)
	})

	t.Run("MissingValue", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("redzone", &o)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidOptions)
		assert.Contains(t, err.Error(), "expected key=value")
	})

	t.Run("BadNumber", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("redzone=abc", &o)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidOptions)
		assert.Contains(t, err.Error(), "redzone")
	})

	t.Run("BadFlag", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("leak_check=yes", &o)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 0 or 1")
	})

	t.Run("UnknownKey", func(t *testing.T) {
		o := applyOptions(nil)
		err := parseEnvOptions("bogus=1", &o)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown option")
	})
}

func TestFromEnv(t *testing.T) {
	t.Run("AppliesEnvironment", func(t *testing.T) {
		t.Setenv("MEMSAN_OPTIONS", "redzone=64")
		o := applyOptions([]Option{FromEnv()})
		require.NoError(t, o.validate())
		assert.Equal(t, uintptr(64), o.redzone)
	})

	t.Run("ParseErrorSurfacesInValidate", func(t *testing.T) {
		t.Setenv("MEMSAN_OPTIONS", "redzone")
		o := applyOptions([]Option{FromEnv()})
		err := o.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected key=value")
	})
}

func TestChunkMeta(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		m := chunkMeta(make([]byte, 32))

		m.setRequestedSize(0xdeadbeef)
		m.setAllocStack(42)
		m.setFreeStack(43)
		m.setAllocGoroutine(7)
		m.setFreeGoroutine(9)
		m.setUserOff(128)
		m.setState(chunkAllocated)

		assert.Equal(t, uintptr(0xdeadbeef), m.requestedSize())
		assert.Equal(t, uint32(42), m.allocStack())
		assert.Equal(t, uint32(43), m.freeStack())
		assert.Equal(t, int64(7), m.allocGoroutine())
		assert.Equal(t, int64(9), m.freeGoroutine())
		assert.Equal(t, uintptr(128), m.userOff())
		assert.Equal(t, chunkAllocated, m.state())
	})

	t.Run("GoroutineIDTruncates", func(t *testing.T) {
		m := chunkMeta(make([]byte, 32))
		m.setAllocGoroutine(1<<40 | 7)
		assert.Equal(t, int64(7), m.allocGoroutine())
	})

	t.Run("CasStateWinsOnce", func(t *testing.T) {
		m := chunkMeta(make([]byte, 32))
		m.setState(chunkAllocated)

		assert.True(t, m.casState(chunkAllocated, chunkQuarantined))
		assert.False(t, m.casState(chunkAllocated, chunkQuarantined))
		assert.Equal(t, chunkQuarantined, m.state())
	})
}

func TestRetiredCacheSlotIsNotReused(t *testing.T) {
	rt, err := New(
		WithSizeClassMap(sizeclass.Compact),
		WithSpaceSize(1<<28),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	const gid = 1 << 40 // no live goroutine carries this id
	st := rt.cacheState(gid)

	// Retire the slot the way registry pressure does, while a stale
	// reference to it is still held.
	rt.cacheMu.Lock()
	rt.evictCacheLocked(0)
	rt.cacheMu.Unlock()

	st.mu.Lock()
	retired := st.retired
	st.mu.Unlock()
	require.True(t, retired)

	// The next operation for the same goroutine must land in a fresh slot:
	// chunks pushed into the retired cache would be unreachable by every
	// drain path until process exit.
	st2 := rt.lockCache(gid)
	defer st2.mu.Unlock()
	assert.NotSame(t, st, st2)
	assert.False(t, st2.retired)
}

func TestNewRejectsBadOptions(t *testing.T) {
	rt, err := New(WithRedzone(33))
	require.Error(t, err)
	assert.Nil(t, rt)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	rt, err = New(WithSpaceSize(1 << 27)) // fails layout, not validation
	require.Error(t, err)
	assert.Nil(t, rt)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
