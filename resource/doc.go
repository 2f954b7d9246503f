// Package resource implements the Controller for global limits.
//
// The Controller governs two resource types:
//
//   - Memory: track and cap the bytes committed for shadow, size-class
//     regions, large mappings and fake stacks (non-blocking, fail-fast)
//   - Uploads: pace and bound report-sink and snapshot traffic so
//     diagnostics never starve the host
//
// # Memory
//
// Memory tracking uses a weighted semaphore for the hard limit and an atomic
// counter for usage. AcquireMemory never blocks: the allocator has no wait
// states, so a denial comes back immediately as ErrMemoryLimitExceeded and
// the caller turns it into its out-of-memory path.
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30, // 1GB limit
//	})
//
//	if err := rc.AcquireMemory(1 << 18); err != nil {
//	    // ErrMemoryLimitExceeded - fatal for an allocator commit
//	}
//
// # Uploads
//
// A token bucket paces upload bytes and a semaphore bounds concurrent
// uploads. PacedWriter wraps any io.Writer with the byte pacing:
//
//	rc := resource.NewController(resource.Config{
//	    UploadBytesPerSec:    8 << 20, // 8MB/s
//	    MaxConcurrentUploads: 2,
//	})
//
//	w := resource.NewPacedWriter(ctx, sink, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops. This
// allows optional resource limiting without nil checks everywhere.
package resource
