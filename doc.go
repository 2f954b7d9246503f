// Package memsan provides a runtime memory-safety detector core for Go.
//
// Memsan manages a checked heap inside one large address-space reservation
// and keeps a shadow byte for every 8 bytes of it. Allocations come back
// surrounded by poisoned redzones, freed memory stays poisoned while it sits
// in quarantine, and escaped stack frames live in a poisonable fake-stack
// pool, so an access through a bad pointer is caught at the moment it
// happens:
//
//   - Heap buffer overflow and underflow (redzone poisoning)
//   - Heap use-after-free (free poisoning + quarantine)
//   - Stack use-after-return (fake-stack frames)
//   - Use-after-poison (manual poisoning API)
//
// # Quick Start
//
// Create a runtime, allocate from it, and check accesses:
//
//	rt, err := memsan.New()
//	if err != nil {
//	    panic(err)
//	}
//	defer rt.Close()
//
//	p := rt.Malloc(10)
//	buf := rt.Bytes(p, 10)
//	buf[0] = 'x'
//
//	rt.CheckWrite(p, 10)   // fine
//	rt.CheckRead(p+10, 1)  // one past the end: report + exit
//
// A failed check prints a diagnostic in the classic sanitizer shape (ERROR
// line, access, stack trace, region description, shadow dump) and terminates
// the process. Nothing on a failure path returns an error: the whole point is
// to stop the program at the first invalid access, not to let it continue on
// corrupted state.
//
// # Configuration
//
// Behavior is configured with functional options or the MEMSAN_OPTIONS
// environment variable:
//
//	rt, err := memsan.New(
//	    memsan.WithRedzone(256),
//	    memsan.WithQuarantineSize(64<<20),
//	    memsan.WithLogger(memsan.NewTextLogger(slog.LevelInfo)),
//	    memsan.FromEnv(), // MEMSAN_OPTIONS=redzone=256:quarantine_size_mb=64
//	)
//
// # Report Persistence
//
// Reports and heap snapshots can be persisted through a reportsink.Sink so a
// crash in a fleet leaves evidence behind:
//
//	store, _ := s3.New(ctx, "crash-bucket", s3.WithPrefix("memsan/"))
//	rt, _ := memsan.New(memsan.WithReportSink(store))
//
// # Key Features
//
//   - Size-class slab allocator over a fixed reservation (no per-alloc mmap)
//   - Per-goroutine allocation caches with bulk write-back
//   - mmap-per-chunk large allocator that returns memory to the OS on free
//   - Byte-bounded FIFO quarantine for freed chunks
//   - Fake-stack frame pool with lazy GC after non-returning exits
//   - Leak accounting by allocation stack (roaring bitmap snapshots)
//   - Binary alloc/free event log with zstd compression
//   - Report upload to S3, MinIO, or any custom sink
package memsan
