// Package quarantine delays the recycling of freed chunks. While a chunk
// sits in the queue its memory stays poisoned, so a stale pointer keeps
// faulting as use-after-free instead of silently landing in whatever got
// allocated there next.
package quarantine

import "sync"

// Item is one quarantined chunk.
type Item struct {
	Ptr   uintptr
	Class int
	Size  uintptr // bytes accounted against the capacity
}

// Queue is a byte-bounded FIFO of freed chunks. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Item
	head  int
	bytes uintptr
	max   uintptr
}

// New returns a queue holding up to max bytes of chunks. A max of zero
// disables quarantining; Put then returns each item straight back.
func New(max uintptr) *Queue {
	return &Queue{max: max}
}

// Put enqueues it and returns the chunks evicted to get the queue back under
// capacity, oldest first. The caller recycles the returned chunks.
func (q *Queue) Put(it Item) []Item {
	if q.max == 0 {
		return []Item{it}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	q.bytes += it.Size

	var evicted []Item
	for q.bytes > q.max && q.head < len(q.items) {
		old := q.items[q.head]
		q.items[q.head] = Item{}
		q.head++
		q.bytes -= old.Size
		evicted = append(evicted, old)
	}
	// Compact once the dead prefix dominates.
	if q.head > 32 && q.head > len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return evicted
}

// Drain empties the queue and returns everything in it, oldest first.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	q.items = q.items[:0]
	q.head = 0
	q.bytes = 0
	return out
}

// Bytes returns the bytes currently held.
func (q *Queue) Bytes() uintptr {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Len returns the number of chunks currently held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
