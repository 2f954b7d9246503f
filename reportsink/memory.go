package reportsink

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

// Memory is an in-memory Sink for testing. It stores payloads without any
// filesystem dependency and is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemory creates a new in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		payloads: make(map[string][]byte),
	}
}

// Put stores a copy of payload under name.
func (m *Memory) Put(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy to prevent external mutation
	copied := make([]byte, len(payload))
	copy(copied, payload)
	m.payloads[name] = copied
	return nil
}

// Create opens a streaming write to name. The payload becomes visible on
// Close.
func (m *Memory) Create(_ context.Context, name string) (io.WriteCloser, error) {
	return &memoryWriter{sink: m, name: name}, nil
}

// Get returns the payload stored under name.
func (m *Memory) Get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payload, ok := m.payloads[name]
	if !ok {
		return nil, false
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	return copied, true
}

// Names returns the stored names in sorted order.
func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.payloads))
	for name := range m.payloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stored payloads.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payloads)
}

type memoryWriter struct {
	sink   *Memory
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return io.ErrClosedPipe
	}
	w.closed = true
	return w.sink.Put(context.Background(), w.name, w.buf.Bytes())
}
