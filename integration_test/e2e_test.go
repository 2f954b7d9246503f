package integration_test

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/memsan"
	"github.com/hupe1980/memsan/internal/eventlog"
	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/hupe1980/memsan/reportsink"
	"github.com/hupe1980/memsan/testutil"
	"github.com/stretchr/testify/require"
)

// TestE2E_WorkloadLifecycle drives a full runtime lifetime: a mixed
// allocation workload, one detected bug, a heap snapshot diff, shutdown,
// and an event log replay that must agree with the metrics collector.
func TestE2E_WorkloadLifecycle(t *testing.T) {
	dir := t.TempDir()

	// 1. Start with the full observability surface attached.
	out := &bytes.Buffer{}
	var exits atomic.Int32
	metrics := &memsan.BasicMetricsCollector{}
	sink := reportsink.NewMemory()

	rt, err := memsan.New(
		memsan.WithSizeClassMap(sizeclass.Compact),
		memsan.WithSpaceSize(1<<28),
		memsan.WithQuarantineSize(1<<20),
		memsan.WithReportWriter(out),
		memsan.WithExitFunc(func(int) { exits.Add(1) }),
		memsan.WithMetrics(metrics),
		memsan.WithReportSink(sink),
		memsan.WithEventLog(dir, func(o *eventlog.Options) { o.FlushInterval = 0 }),
	)
	require.NoError(t, err)

	// 2. Run a mixed workload and keep our own ground-truth counters.
	rng := testutil.NewRNG(7)
	sizes := rng.Sizes(2000, 16, 4096)

	var live []uintptr
	var mallocs, frees int64
	for _, size := range sizes {
		p := rt.Malloc(size)
		rt.CheckWrite(p, size)
		rt.Bytes(p, size)[0] = 0xaa
		live = append(live, p)
		mallocs++

		if len(live) > 1 && rng.Intn(2) == 1 {
			i := rng.Intn(len(live))
			rt.Free(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			frees++
		}
	}

	// 3. Snapshot, allocate a known batch, snapshot again: the diff must
	// see exactly that batch.
	before := rt.LiveSnapshot()
	batch := make([]uintptr, 5)
	for i := range batch {
		batch[i] = rt.Malloc(64)
		mallocs++
	}
	after := rt.LiveSnapshot()
	diff := after.Diff(before)
	require.EqualValues(t, 5, diff.Objects())

	// 4. Trigger two bad accesses. Both are traced, but only the first one
	// writes a report and exits.
	p := rt.Malloc(24)
	mallocs++
	rt.CheckRead(p+24, 1)
	rt.CheckRead(p+25, 1)

	require.EqualValues(t, 1, exits.Load())
	report := out.String()
	require.Equal(t, 1, strings.Count(report, "ERROR: memsan"))
	require.Contains(t, report, "heap-buffer-overflow")
	require.Contains(t, report, "ABORTING")

	// The same bytes must have reached the sink.
	require.Equal(t, 1, sink.Len())
	names := sink.Names()
	require.Len(t, names, 1)
	payload, ok := sink.Get(names[0])
	require.True(t, ok)
	require.Equal(t, report, string(payload))

	// 5. Shut down and replay the event log. Replayed counts must agree
	// with both our counters and the metrics collector.
	path := rt.EventLogPath()
	require.NotEmpty(t, path)
	require.NoError(t, rt.Close())

	var allocEvents, freeEvents, quarEvents, reportEvents int64
	lastSeq := uint64(0)
	err = eventlog.Replay(path, func(ev eventlog.Event) error {
		require.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		switch ev.Type {
		case eventlog.EvAlloc:
			allocEvents++
		case eventlog.EvFree:
			freeEvents++
		case eventlog.EvQuarantine:
			quarEvents++
		case eventlog.EvReport:
			reportEvents++
		default:
			t.Fatalf("unexpected event type %d", ev.Type)
		}
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, mallocs, allocEvents)
	require.Equal(t, frees, freeEvents)
	require.EqualValues(t, 2, reportEvents)
	require.LessOrEqual(t, quarEvents, freeEvents)

	stats := metrics.GetStats()
	require.Equal(t, mallocs, stats.MallocCount)
	require.Equal(t, frees, stats.FreeCount)
	require.EqualValues(t, 2, stats.ReportCount)
}

// TestE2E_QuarantineChurn floods a small quarantine and verifies that the
// retention invariant holds at every step: quarantined bytes never exceed
// the configured cap, and the heap eventually returns to a clean state.
func TestE2E_QuarantineChurn(t *testing.T) {
	out := &bytes.Buffer{}
	rt, err := memsan.New(
		memsan.WithSizeClassMap(sizeclass.Compact),
		memsan.WithSpaceSize(1<<28),
		memsan.WithQuarantineSize(16<<10),
		memsan.WithReportWriter(out),
		memsan.WithExitFunc(func(int) {}),
	)
	require.NoError(t, err)
	defer rt.Close()

	rng := testutil.NewRNG(11)
	for _, size := range rng.ZipfSizes(3000, 32, 16, 1.1) {
		rt.Free(rt.Malloc(size))

		st := rt.GetStats()
		require.LessOrEqual(t, st.QuarantineBytes, uintptr(16<<10))
	}

	st := rt.GetStats()
	require.Equal(t, st.MallocCount, st.FreeCount)
	require.Zero(t, st.LiveBytes)
	require.Empty(t, rt.CheckLeaks())
	require.Empty(t, out.String())
}
