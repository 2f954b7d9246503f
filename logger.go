package memsan

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with memsan-specific context.
// This provides structured logging with consistent field names.
//
// The runtime never logs on access-check or allocation fast paths; log calls
// happen at init, on region growth, on quarantine drains and at teardown.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithGoroutine adds a goroutine id field to the logger.
func (l *Logger) WithGoroutine(gid int64) *Logger {
	return &Logger{
		Logger: l.Logger.With("goroutine", gid),
	}
}

// WithClass adds a size-class field to the logger.
func (l *Logger) WithClass(class int) *Logger {
	return &Logger{
		Logger: l.Logger.With("class", class),
	}
}

// LogInit logs the address-space layout chosen at startup.
func (l *Logger) LogInit(spaceBytes, shadowBytes, primaryBytes, secondaryBytes, fakeStackBytes uintptr) {
	l.Info("runtime initialized",
		"space_bytes", uint64(spaceBytes),
		"shadow_bytes", uint64(shadowBytes),
		"primary_bytes", uint64(primaryBytes),
		"secondary_bytes", uint64(secondaryBytes),
		"fake_stack_bytes", uint64(fakeStackBytes),
	)
}

// LogRegionGrowth logs a page commit inside the managed space.
func (l *Logger) LogRegionGrowth(zone string, addr, size uintptr) {
	l.Debug("region grew",
		"zone", zone,
		"addr", uint64(addr),
		"bytes", uint64(size),
	)
}

// LogQuarantineDrain logs chunks leaving quarantine for reuse.
func (l *Logger) LogQuarantineDrain(items int, bytes uintptr) {
	l.Debug("quarantine drained",
		"items", items,
		"bytes", uint64(bytes),
	)
}

// LogStackGC logs a fake-stack garbage collection run.
func (l *Logger) LogStackGC(freed int) {
	l.Debug("fake stack collected",
		"frames_freed", freed,
	)
}

// LogStats logs the accumulated allocator counters.
func (l *Logger) LogStats(st Stats) {
	l.Info("allocator stats",
		"malloc_count", st.MallocCount,
		"malloc_bytes", st.MallocBytes,
		"free_count", st.FreeCount,
		"free_bytes", st.FreeBytes,
		"live_bytes", uint64(st.LiveBytes),
		"heap_bytes", uint64(st.HeapBytes),
		"committed_bytes", uint64(st.CommittedBytes),
		"quarantine_chunks", st.QuarantineChunks,
		"quarantine_bytes", uint64(st.QuarantineBytes),
		"stacks_interned", st.StacksInterned,
	)
}

// LogLeakCheck logs the outcome of a leak check.
func (l *Logger) LogLeakCheck(leaks int, bytes uintptr) {
	if leaks > 0 {
		l.Warn("leak check found still-allocated memory",
			"leaks", leaks,
			"bytes", uint64(bytes),
		)
	} else {
		l.Info("leak check clean")
	}
}

// LogReportPersisted logs the attempt to push a finished report to the sink.
func (l *Logger) LogReportPersisted(name string, size int, err error) {
	if err != nil {
		l.Error("report persistence failed",
			"name", name,
			"bytes", size,
			"error", err,
		)
	} else {
		l.Info("report persisted",
			"name", name,
			"bytes", size,
		)
	}
}

// LogSnapshotUpload logs a heap snapshot upload.
func (l *Logger) LogSnapshotUpload(ctx context.Context, name string, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot upload failed",
			"name", name,
			"bytes", bytes,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot uploaded",
			"name", name,
			"bytes", bytes,
		)
	}
}

// LogClose logs runtime teardown.
func (l *Logger) LogClose(err error) {
	if err != nil {
		l.Error("runtime close failed", "error", err)
	} else {
		l.Info("runtime closed")
	}
}
