package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a commit would exceed the memory
// limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for committed bytes.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxConcurrentUploads is the maximum number of concurrent report and
	// snapshot uploads. If 0, defaults to 1.
	MaxConcurrentUploads int64

	// UploadBytesPerSec is the maximum throughput for upload traffic.
	// If 0, unlimited.
	UploadBytesPerSec int64
}

// Controller manages global resources (committed memory, upload traffic).
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Uploads
	uploadSem     *semaphore.Weighted
	uploadLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 1
	}

	c := &Controller{
		cfg:       cfg,
		uploadSem: semaphore.NewWeighted(cfg.MaxConcurrentUploads),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.UploadBytesPerSec > 0 {
		c.uploadLimiter = rate.NewLimiter(rate.Limit(cfg.UploadBytesPerSec), int(cfg.UploadBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve bytes of commit budget. Never blocks:
// a denial returns ErrMemoryLimitExceeded immediately and the caller turns
// it into its out-of-memory path.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil {
		return nil
	}
	if bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns bytes of commit budget after a decommit.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil {
		return
	}
	if bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently committed bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireUploadSlot reserves a concurrent-upload slot, blocking while all
// slots are busy.
func (c *Controller) AcquireUploadSlot(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.uploadSem.Acquire(ctx, 1)
}

// TryAcquireUploadSlot reserves a concurrent-upload slot without blocking.
func (c *Controller) TryAcquireUploadSlot() bool {
	if c == nil {
		return true
	}
	return c.uploadSem.TryAcquire(1)
}

// ReleaseUploadSlot releases a concurrent-upload slot.
func (c *Controller) ReleaseUploadSlot() {
	if c == nil {
		return
	}
	c.uploadSem.Release(1)
}

// AcquireUpload waits until the pacing allows bytes of upload traffic.
// Amounts above the bucket size are drawn in bucket-size installments, so
// one oversized payload cannot error out; it just waits longer.
func (c *Controller) AcquireUpload(ctx context.Context, bytes int) error {
	if c == nil || c.uploadLimiter == nil {
		return nil
	}
	burst := c.uploadLimiter.Burst()
	for bytes > burst {
		if err := c.uploadLimiter.WaitN(ctx, burst); err != nil {
			return err
		}
		bytes -= burst
	}
	return c.uploadLimiter.WaitN(ctx, bytes)
}

// TryAcquireUpload attempts to draw bytes of upload budget without
// blocking. Returns true if the budget was drawn.
func (c *Controller) TryAcquireUpload(bytes int) bool {
	if c == nil || c.uploadLimiter == nil {
		return true
	}
	return c.uploadLimiter.AllowN(time.Now(), bytes)
}
