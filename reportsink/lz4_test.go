package reportsink

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decompressLZ4(t *testing.T, frame []byte) []byte {
	t.Helper()
	zr := lz4.NewReader(bytes.NewReader(frame))
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return raw
}

func TestLZ4_Put(t *testing.T) {
	next := NewMemory()
	sink := NewLZ4(next)

	payload := []byte(strings.Repeat("freed by goroutine G7 here:\n", 64))
	require.NoError(t, sink.Put(context.Background(), "report.txt", payload))

	frame, ok := next.Get("report.txt.lz4")
	require.True(t, ok, "stored name should carry the .lz4 suffix")
	assert.Less(t, len(frame), len(payload))
	assert.Equal(t, payload, decompressLZ4(t, frame))
}

func TestLZ4_Level(t *testing.T) {
	next := NewMemory()
	sink := NewLZ4(next, WithLevel(lz4.Level9))

	payload := []byte(strings.Repeat("shadow bytes around the buggy address ", 128))
	require.NoError(t, sink.Put(context.Background(), "r.txt", payload))

	frame, ok := next.Get("r.txt.lz4")
	require.True(t, ok)
	assert.Equal(t, payload, decompressLZ4(t, frame))
}

func TestLZ4_EmptyPayload(t *testing.T) {
	next := NewMemory()
	sink := NewLZ4(next)

	require.NoError(t, sink.Put(context.Background(), "empty", nil))

	frame, ok := next.Get("empty.lz4")
	require.True(t, ok)
	assert.Empty(t, decompressLZ4(t, frame))
}

func TestLZ4_CreateChainsStreamer(t *testing.T) {
	next := NewMemory()
	sink := NewLZ4(next)

	w, err := sink.Create(context.Background(), "heap.bin")
	require.NoError(t, err)

	chunk := []byte(strings.Repeat("chunk-", 512))
	_, err = w.Write(chunk)
	require.NoError(t, err)
	_, err = w.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	frame, ok := next.Get("heap.bin.lz4")
	require.True(t, ok)
	assert.Equal(t, append(append([]byte{}, chunk...), chunk...), decompressLZ4(t, frame))

	assert.Error(t, w.Close())
}

// putOnlySink hides Memory's streaming path to exercise the buffered
// fallback.
type putOnlySink struct {
	next *Memory
}

func (s *putOnlySink) Put(ctx context.Context, name string, payload []byte) error {
	return s.next.Put(ctx, name, payload)
}

func TestLZ4_CreateBuffersWithoutStreamer(t *testing.T) {
	mem := NewMemory()
	sink := NewLZ4(&putOnlySink{next: mem})

	w, err := sink.Create(context.Background(), "report.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("buffered payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	frame, ok := mem.Get("report.txt.lz4")
	require.True(t, ok)
	assert.Equal(t, "buffered payload", string(decompressLZ4(t, frame)))
}

// dupSink always reports the payload as already persisted.
type dupSink struct{}

func (dupSink) Put(context.Context, string, []byte) error { return ErrDuplicate }

func TestLZ4_PassesThroughDuplicate(t *testing.T) {
	sink := NewLZ4(dupSink{})
	err := sink.Put(context.Background(), "r", []byte("x"))
	assert.ErrorIs(t, err, ErrDuplicate)
}
