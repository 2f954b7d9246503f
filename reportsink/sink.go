package reportsink

import (
	"context"
	"errors"
	"io"
)

// Sink persists a finished artifact under a name.
type Sink interface {
	// Put writes payload under name. The write must be atomic: a reader
	// either sees the whole payload or nothing.
	Put(ctx context.Context, name string, payload []byte) error
}

// Streamer is implemented by sinks that accept incremental writes, for
// payloads too large to buffer in one piece. The artifact is finalized by
// Close; an aborted or failed stream must not leave a visible partial
// artifact behind.
type Streamer interface {
	Create(ctx context.Context, name string) (io.WriteCloser, error)
}

// ErrDuplicate reports that an identical payload is already persisted.
// Deduplicating sinks return it from Put instead of uploading again;
// callers may treat it as success.
var ErrDuplicate = errors.New("payload already persisted")
