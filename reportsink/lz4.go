package reportsink

import (
	"bytes"
	"context"
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4Options configures the LZ4 wrapper.
type LZ4Options struct {
	// Level selects the compression level. The zero value is the fast
	// profile, which compresses report text well enough and never stalls
	// the crash path.
	Level lz4.CompressionLevel
}

// DefaultLZ4Options are the default options for the LZ4 wrapper.
var DefaultLZ4Options = LZ4Options{
	Level: lz4.Fast,
}

// LZ4 wraps a Sink and compresses each payload as a single lz4 frame.
// Stored names gain an ".lz4" suffix; the frames decompress with the
// stock lz4 command-line tool.
type LZ4 struct {
	next  Sink
	level lz4.CompressionLevel
}

// NewLZ4 wraps next in lz4-frame compression.
func NewLZ4(next Sink, optFns ...func(o *LZ4Options)) *LZ4 {
	opts := DefaultLZ4Options
	for _, fn := range optFns {
		fn(&opts)
	}
	return &LZ4{next: next, level: opts.Level}
}

// WithLevel sets the compression level.
func WithLevel(level lz4.CompressionLevel) func(o *LZ4Options) {
	return func(o *LZ4Options) {
		o.Level = level
	}
}

// Put compresses payload and forwards it to the wrapped sink. Errors from
// the wrapped sink pass through unchanged, including ErrDuplicate.
func (z *LZ4) Put(ctx context.Context, name string, payload []byte) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(z.level)); err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return z.next.Put(ctx, name+".lz4", buf.Bytes())
}

// Create opens a compressing stream to the wrapped sink. When the wrapped
// sink streams itself, frames are forwarded as they fill; otherwise the
// compressed payload is buffered and handed over on Close.
func (z *LZ4) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	if streamer, ok := z.next.(Streamer); ok {
		under, err := streamer.Create(ctx, name+".lz4")
		if err != nil {
			return nil, err
		}
		zw := lz4.NewWriter(under)
		if err := zw.Apply(lz4.CompressionLevelOption(z.level)); err != nil {
			_ = under.Close()
			return nil, err
		}
		return &lz4Writer{zw: zw, under: under}, nil
	}

	return &lz4BufWriter{ctx: ctx, sink: z, name: name}, nil
}

// lz4Writer chains the frame writer onto a streaming sink.
type lz4Writer struct {
	zw     *lz4.Writer
	under  io.WriteCloser
	closed bool
}

func (w *lz4Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.zw.Write(p)
}

func (w *lz4Writer) Close() error {
	if w.closed {
		return io.ErrClosedPipe
	}
	w.closed = true

	// Flush the frame trailer before finalizing the underlying stream.
	err := w.zw.Close()
	if cerr := w.under.Close(); err == nil {
		err = cerr
	}
	return err
}

// lz4BufWriter buffers raw bytes and compresses on Close for sinks
// without a streaming path.
type lz4BufWriter struct {
	ctx    context.Context
	sink   *LZ4
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *lz4BufWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *lz4BufWriter) Close() error {
	if w.closed {
		return io.ErrClosedPipe
	}
	w.closed = true
	return w.sink.Put(w.ctx, w.name, w.buf.Bytes())
}
