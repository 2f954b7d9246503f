// Package testutil provides testing utilities for memsan.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded random source and generators for the allocation-size
// distributions the allocator benchmarks replay.
//
// # Random Workloads
//
//	rng := testutil.NewRNG(seed)
//	sizes := rng.Sizes(1000, 8, 64<<10)          // log-uniform sizes
//	sizes = rng.ZipfSizes(1000, 64, 16, 1.2)     // power-law multiples of 16
//
// # Payload Bytes
//
//	buf := rt.Bytes(p, n)
//	rng.Fill(buf)
package testutil
