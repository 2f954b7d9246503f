package memsan_test

import (
	"testing"

	"github.com/hupe1980/memsan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackFrameClass(t *testing.T) {
	assert.Equal(t, 0, memsan.StackFrameClass(1))
	assert.Equal(t, 0, memsan.StackFrameClass(64))
	assert.Equal(t, 1, memsan.StackFrameClass(65))
	assert.Equal(t, memsan.StackFrameClasses-1, memsan.StackFrameClass(64<<10))
	assert.Equal(t, -1, memsan.StackFrameClass(64<<10+1), "oversize frames stay on the real stack")
}

func TestStackFrameRoundTrip(t *testing.T) {
	rt, _, rec := newTestRuntime(t)

	// realStack only orders frames for collection, so a synthetic cursor
	// works. Stacks grow down: deeper calls use smaller values.
	const rs = uintptr(0x7000_0000)

	p := rt.StackMalloc(0, 64, rs)
	require.NotZero(t, p)
	assert.Zero(t, rt.RegionIsPoisoned(p, 64), "claimed frame is addressable")

	rt.CheckWrite(p, 64)
	copy(rt.Bytes(p, 8), "deadbeef")
	rt.CheckRead(p, 8)

	rt.StackFree(0, p, 64, rs)
	assert.True(t, rt.AddressIsPoisoned(p), "retired frame is poisoned")
	assert.False(t, rec.exited())
}

func TestStackUseAfterReturnReport(t *testing.T) {
	rt, out, rec := newTestRuntime(t)

	const rs = uintptr(0x7000_0000)
	p := rt.StackMalloc(0, 64, rs)
	require.NotZero(t, p)
	rt.StackFree(0, p, 64, rs)

	rt.CheckRead(p, 1)
	require.True(t, rec.exited())

	report := out.String()
	assert.Contains(t, report, "stack-use-after-return")
	assert.Contains(t, report, "READ of size 1")
	assert.Contains(t, report, "fake stack frame")
	assert.Contains(t, report, "retired")
}

func TestStackFreeRealFrame(t *testing.T) {
	rt, _, rec := newTestRuntime(t)

	// A function that stayed on its real frame passes p == realStack;
	// nothing to retire.
	const rs = uintptr(0x7000_0000)
	rt.StackFree(0, rs, 64, rs)
	rt.StackFree(0, 0, 64, rs)
	assert.False(t, rec.exited())
}

func TestStackMallocDisabled(t *testing.T) {
	rt, _, _ := newTestRuntime(t, memsan.WithUseFakeStack(false))

	assert.Zero(t, rt.StackMalloc(0, 64, 0x7000_0000))
	rt.StackFree(0, 0, 64, 0x7000_0000) // tolerated without a pool
	rt.HandleNoReturn()
}

func TestStackGCAfterNoReturn(t *testing.T) {
	mc := &memsan.BasicMetricsCollector{}
	rt, _, _ := newTestRuntime(t, memsan.WithMetrics(mc))

	const base = uintptr(0x7000_0000)
	deep := base - 1024

	// A frame claimed deeper in the stack, then abandoned by a panic that
	// never ran its exit.
	p1 := rt.StackMalloc(0, 64, deep)
	require.NotZero(t, p1)
	rt.HandleNoReturn()

	// The next claim at a shallower cursor sweeps the abandoned frame.
	p2 := rt.StackMalloc(0, 64, base)
	require.NotZero(t, p2)

	st := mc.GetStats()
	assert.Equal(t, int64(1), st.StackGCRuns)
	assert.Equal(t, int64(1), st.StackGCFreed)

	rt.StackFree(0, p2, 64, base)
}

func TestStackOversizeFrameIsFatal(t *testing.T) {
	rt, out, _ := newTestRuntime(t)

	require.Panics(t, func() { rt.StackMalloc(0, 65, 0x7000_0000) })
	assert.Contains(t, out.String(), "frame size 65 exceeds class 0 slot")
}

func TestStackExhaustionIsFatal(t *testing.T) {
	rt, out, _ := newTestRuntime(t)

	// The test reservation gives the largest class a single slot.
	const rs = uintptr(0x7000_0000)
	p := rt.StackMalloc(memsan.StackFrameClasses-1, 1024, rs)
	require.NotZero(t, p)

	require.Panics(t, func() { rt.StackMalloc(memsan.StackFrameClasses-1, 1024, rs-64) })
	assert.Contains(t, out.String(), "failed to allocate a fake stack frame")
}
