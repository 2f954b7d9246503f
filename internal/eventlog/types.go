package eventlog

import "time"

// EventType tags one record in the log.
type EventType uint8

const (
	// EvAlloc records a successful allocation.
	EvAlloc EventType = iota + 1
	// EvFree records a free, before the chunk enters quarantine.
	EvFree
	// EvQuarantine records a chunk leaving quarantine for the real free path.
	EvQuarantine
	// EvReport records a detected memory error; the process dies right after.
	EvReport
)

func (t EventType) String() string {
	switch t {
	case EvAlloc:
		return "alloc"
	case EvFree:
		return "free"
	case EvQuarantine:
		return "quarantine"
	case EvReport:
		return "report"
	default:
		return "unknown"
	}
}

// Event is one fixed-size record. Field use varies by type: Class holds the
// size class for allocator events and the bug kind for EvReport; Stack is a
// stack depot id, zero when no stack was captured.
type Event struct {
	Type  EventType
	Seq   uint64
	GID   uint64
	Addr  uint64
	Size  uint64
	Class uint32
	Stack uint32
}

// Options contains configuration for the event log.
type Options struct {
	// Path is the directory the log file is created in. The file itself is
	// named after the pid so runs never overwrite each other.
	Path string

	// Compress enables zstd compression of the record stream.
	Compress bool

	// CompressionLevel sets the zstd compression level (1-22).
	CompressionLevel int

	// FlushInterval is how often the background worker pushes buffered
	// records to the file. Zero or negative disables the worker; records
	// then reach the file on explicit Flush and on Close.
	FlushInterval time.Duration
}

// DefaultOptions is the configuration New starts from.
var DefaultOptions = Options{
	Path:             ".",
	Compress:         true,
	CompressionLevel: 3,
	FlushInterval:    250 * time.Millisecond,
}
