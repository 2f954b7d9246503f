package resource

import (
	"context"
	"io"
)

// PacedWriter wraps an io.Writer with the controller's upload pacing. Report
// sinks and the event log write through it so diagnostics traffic stays
// inside UploadBytesPerSec.
type PacedWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

// NewPacedWriter creates a new PacedWriter. A nil controller leaves w
// unpaced.
func NewPacedWriter(ctx context.Context, w io.Writer, rc *Controller) *PacedWriter {
	return &PacedWriter{
		ctx: ctx,
		w:   w,
		rc:  rc,
	}
}

func (w *PacedWriter) Write(p []byte) (n int, err error) {
	if err := w.rc.AcquireUpload(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
