package memsan

import (
	"sync/atomic"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
//
// All methods are called from allocation paths and must be cheap and safe
// for concurrent use; collectors should stick to atomic counters.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    mallocCounter prometheus.Counter
//	    heapBytes     prometheus.Gauge
//	}
//
//	func (p *PrometheusCollector) RecordMalloc(bytes uintptr) {
//	    p.mallocCounter.Inc()
//	    p.heapBytes.Add(float64(bytes))
//	}
type MetricsCollector interface {
	// RecordMalloc is called after each successful allocation with the
	// requested size.
	RecordMalloc(bytes uintptr)

	// RecordFree is called on each free with the freed chunk's requested
	// size.
	RecordFree(bytes uintptr)

	// RecordQuarantine is called when a freed chunk enters quarantine.
	RecordQuarantine(bytes uintptr)

	// RecordReport is called when an error report fires, with the bug kind
	// ("heap-buffer-overflow", "heap-use-after-free", ...) or "fatal" for
	// allocator invariant violations.
	RecordReport(kind string)

	// RecordStackGC is called after a fake-stack garbage collection with the
	// number of frames collected.
	RecordStackGC(freed int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordMalloc(uintptr)     {}
func (NoopMetricsCollector) RecordFree(uintptr)       {}
func (NoopMetricsCollector) RecordQuarantine(uintptr) {}
func (NoopMetricsCollector) RecordReport(string)      {}
func (NoopMetricsCollector) RecordStackGC(int)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	MallocCount     atomic.Int64
	MallocBytes     atomic.Int64
	FreeCount       atomic.Int64
	FreeBytes       atomic.Int64
	QuarantineCount atomic.Int64
	QuarantineBytes atomic.Int64
	ReportCount     atomic.Int64
	StackGCRuns     atomic.Int64
	StackGCFreed    atomic.Int64
}

// RecordMalloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMalloc(bytes uintptr) {
	b.MallocCount.Add(1)
	b.MallocBytes.Add(int64(bytes))
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(bytes uintptr) {
	b.FreeCount.Add(1)
	b.FreeBytes.Add(int64(bytes))
}

// RecordQuarantine implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuarantine(bytes uintptr) {
	b.QuarantineCount.Add(1)
	b.QuarantineBytes.Add(int64(bytes))
}

// RecordReport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReport(string) {
	b.ReportCount.Add(1)
}

// RecordStackGC implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStackGC(freed int) {
	b.StackGCRuns.Add(1)
	b.StackGCFreed.Add(int64(freed))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		MallocCount:     b.MallocCount.Load(),
		MallocBytes:     b.MallocBytes.Load(),
		FreeCount:       b.FreeCount.Load(),
		FreeBytes:       b.FreeBytes.Load(),
		QuarantineCount: b.QuarantineCount.Load(),
		QuarantineBytes: b.QuarantineBytes.Load(),
		ReportCount:     b.ReportCount.Load(),
		StackGCRuns:     b.StackGCRuns.Load(),
		StackGCFreed:    b.StackGCFreed.Load(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	MallocCount     int64
	MallocBytes     int64
	FreeCount       int64
	FreeBytes       int64
	QuarantineCount int64
	QuarantineBytes int64
	ReportCount     int64
	StackGCRuns     int64
	StackGCFreed    int64
}
