// Package eventlog provides a binary append-only trace of allocator
// activity for post-mortem tooling.
//
// Records are fixed-size, little-endian and sequence-numbered, written
// through a buffered (optionally zstd-compressed) writer. A background
// worker flushes on a ticker so that a crash loses at most one interval of
// events; the report path flushes explicitly before the process dies.
//
// The log is off by default. A nil *Log is valid and discards everything,
// so call sites need no enablement checks.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrClosed is returned by appends after Close.
var ErrClosed = errors.New("eventlog: closed")

// Log is an append-only event trace bound to one process.
type Log struct {
	mu         sync.Mutex
	file       *os.File
	bufWriter  *bufio.Writer
	compressor *zstd.Encoder
	seq        uint64
	filePath   string
	compressed bool

	flushTicker *time.Ticker
	flushStopCh chan struct{}
	flushWg     sync.WaitGroup

	closed atomic.Bool
}

// New creates an event log in the configured directory. The file is named
// memsan-<pid>.events so concurrent and successive runs never clobber each
// other; an existing file for a reused pid is truncated.
func New(optFns ...func(o *Options)) (*Log, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, fmt.Sprintf("memsan-%d.events", os.Getpid()))

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open event log file: %w", err)
	}

	l := &Log{
		file:       file,
		filePath:   filePath,
		compressed: opts.Compress,
	}

	if err := writeHeader(file, headerInfo{
		Compressed:       opts.Compress,
		CompressionLevel: opts.CompressionLevel,
	}); err != nil {
		_ = file.Close()
		return nil, err
	}

	if l.compressed {
		level := zstd.EncoderLevelFromZstd(opts.CompressionLevel)
		compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(level))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		l.compressor = compressor
		l.bufWriter = bufio.NewWriter(compressor)
	} else {
		l.bufWriter = bufio.NewWriter(file)
	}

	if opts.FlushInterval > 0 {
		l.flushStopCh = make(chan struct{})
		l.flushTicker = time.NewTicker(opts.FlushInterval)
		l.flushWg.Add(1)
		go l.flushWorker()
	}

	return l, nil
}

// FilePath returns the path of the log file, or "" on a nil log.
func (l *Log) FilePath() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// LogAlloc records a successful allocation.
func (l *Log) LogAlloc(gid int64, addr, size uintptr, class, stack uint32) error {
	return l.append(Event{Type: EvAlloc, GID: uint64(gid), Addr: uint64(addr), Size: uint64(size), Class: class, Stack: stack})
}

// LogFree records a free at the moment the chunk enters quarantine.
func (l *Log) LogFree(gid int64, addr, size uintptr, class, stack uint32) error {
	return l.append(Event{Type: EvFree, GID: uint64(gid), Addr: uint64(addr), Size: uint64(size), Class: class, Stack: stack})
}

// LogQuarantine records a chunk leaving quarantine for the real free path.
func (l *Log) LogQuarantine(gid int64, addr, size uintptr, class uint32) error {
	return l.append(Event{Type: EvQuarantine, GID: uint64(gid), Addr: uint64(addr), Size: uint64(size), Class: class})
}

// LogReport records a detected memory error. kind is the numeric bug kind
// from the access classifier.
func (l *Log) LogReport(gid int64, addr, size uintptr, kind uint32) error {
	return l.append(Event{Type: EvReport, GID: uint64(gid), Addr: uint64(addr), Size: uint64(size), Class: kind})
}

func (l *Log) append(ev Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrClosed
	}

	l.seq++
	ev.Seq = l.seq

	var buf [recordLen]byte
	encodeEvent(&buf, ev)
	if _, err := l.bufWriter.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Flush pushes buffered records to the file. The record stream stays
// readable up to the last flush even if the process dies afterwards.
func (l *Log) Flush() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return nil
	}
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if l.compressed {
		if err := l.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}

func (l *Log) flushWorker() {
	defer l.flushWg.Done()

	for {
		select {
		case <-l.flushStopCh:
			return

		case <-l.flushTicker.C:
			l.mu.Lock()
			if !l.closed.Load() {
				_ = l.flushLocked()
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the flush worker, finishes the compressed stream and closes
// the file. Safe to call more than once and on a nil log.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	if l.flushStopCh != nil {
		close(l.flushStopCh)
		l.flushWg.Wait()
		l.flushTicker.Stop()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if err := l.bufWriter.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to flush buffer: %w", err)
	}
	if l.compressor != nil {
		if err := l.compressor.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close event log file: %w", err)
	}
	return firstErr
}
