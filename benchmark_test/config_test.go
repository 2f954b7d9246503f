package benchmark_test

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/memsan"
	"github.com/hupe1980/memsan/internal/sizeclass"
)

// ============================================================================
// Benchmark Configuration
// ============================================================================

// Standard request sizes used across benchmarks for consistency.
const (
	sizeTiny   = 16       // Smallest interesting class
	sizeSmall  = 64       // Typical small object
	sizeMedium = 1024     // Mid-range primary class
	sizeLarge  = 128 << 10 // Secondary allocator territory
)

// benchSpaceSize keeps the reservation small enough for CI machines while
// leaving every primary class with plenty of headroom.
const benchSpaceSize = 1 << 28

// Seed for deterministic benchmarks - enables reproducible comparisons.
const benchSeed = 42

// ============================================================================
// Benchmark Helpers
// ============================================================================

// OpenBenchRuntime creates a runtime optimized for benchmark isolation.
// Diagnostic reports are counted instead of terminating the process; a
// benchmark that triggers one fails at cleanup.
func OpenBenchRuntime(b *testing.B, opts ...memsan.Option) *memsan.Runtime {
	b.Helper()

	var reports atomic.Int32

	defaultOpts := []memsan.Option{
		memsan.WithSizeClassMap(sizeclass.Compact),
		memsan.WithSpaceSize(benchSpaceSize),
		memsan.WithReportWriter(io.Discard),
		memsan.WithExitFunc(func(int) { reports.Add(1) }),
	}

	rt, err := memsan.New(append(defaultOpts, opts...)...)
	if err != nil {
		b.Fatal(err)
	}

	b.Cleanup(func() {
		if err := rt.Close(); err != nil {
			b.Errorf("close runtime: %v", err)
		}
		if n := reports.Load(); n > 0 {
			b.Errorf("benchmark produced %d unexpected diagnostic reports", n)
		}
	})

	return rt
}
