package reportsink

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Dir writes payloads into a local directory. Each payload goes to a
// temporary file next to its target and is renamed into place, so a
// crash collector tailing the directory never reads a torn artifact.
type Dir struct {
	root string
}

// NewDir creates a directory sink rooted at root, creating the directory
// if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

// Root returns the directory artifacts are written into.
func (d *Dir) Root() string {
	return d.root
}

// Put writes payload under name. Names may contain slashes; parent
// directories are created as needed.
func (d *Dir) Put(ctx context.Context, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := d.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Create opens a streaming write to name. The target only appears once
// Close returns nil; a failed stream leaves no trace.
func (d *Dir) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := filepath.Join(d.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, err
	}

	// Temp file in the target's directory keeps the rename on one
	// filesystem.
	f, err := os.CreateTemp(filepath.Dir(target), ".memsan-*")
	if err != nil {
		return nil, err
	}

	return &dirWriter{f: f, target: target}, nil
}

type dirWriter struct {
	f      *os.File
	target string
	closed atomic.Bool
	failed bool
}

func (w *dirWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	if err != nil {
		w.failed = true
	}
	return n, err
}

// Close finalizes the artifact. On any earlier write error the temp file
// is discarded instead of renamed.
func (w *dirWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}

	if w.failed {
		_ = w.f.Close()
		return os.Remove(w.f.Name())
	}

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.f.Name())
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	if err := os.Rename(w.f.Name(), w.target); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	return nil
}
