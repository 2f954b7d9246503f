package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Replay reads the event log at path and calls fn for every record in
// order. A truncated final record is normal for a log whose writer died
// mid-write and ends the replay cleanly; anything else unreadable is an
// error.
func Replay(path string, fn func(ev Event) error) error {
	file, err := os.Open(path) //nolint:gosec // G304: Path is caller-chosen
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close() //nolint:errcheck // read-only

	hdr, err := readHeader(file)
	if err != nil {
		return err
	}

	var reader io.Reader
	if hdr.Compressed {
		decompressor, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to create decompressor: %w", err)
		}
		defer decompressor.Close()
		reader = decompressor
	} else {
		reader = bufio.NewReader(file)
	}

	for {
		var ev Event
		if err := decodeEvent(reader, &ev); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("event log corrupted at record: %w", err)
		}
		if err := fn(ev); err != nil {
			return fmt.Errorf("failed to replay event %d: %w", ev.Seq, err)
		}
	}
	return nil
}
