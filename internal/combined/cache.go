package combined

import (
	"github.com/hupe1980/memsan/internal/primary"
)

// Cache batches chunk traffic for one owner so most allocations and frees
// touch nothing but a local slice. A Cache is not safe for concurrent use;
// callers stripe caches across goroutines and lock around each one.
type Cache struct {
	lists [][]uintptr // per-class LIFO stacks
}

// NewCache returns an empty cache for allocators using the given class map
// size.
func NewCache(numClasses int) *Cache {
	return &Cache{lists: make([][]uintptr, numClasses)}
}

// Allocate pops a chunk of the class, refilling from the allocator in bulk
// when the local list is empty.
func (c *Cache) Allocate(a *primary.Allocator, class int) uintptr {
	list := c.lists[class]
	if len(list) == 0 {
		list = a.BulkAllocate(class, list)
	}
	p := list[len(list)-1]
	c.lists[class] = list[:len(list)-1]
	return p
}

// Deallocate pushes p onto the class list and hands the top half back to
// the allocator once the list reaches twice the class's cache quota.
func (c *Cache) Deallocate(a *primary.Allocator, class int, p uintptr) {
	list := append(c.lists[class], p)
	if len(list) >= 2*a.Classes().MaxCached(class) {
		keep := len(list) - len(list)/2
		a.BulkDeallocate(class, list[keep:])
		list = list[:keep]
	}
	c.lists[class] = list
}

// Drain returns every cached chunk to the allocator.
func (c *Cache) Drain(a *primary.Allocator) {
	for class, list := range c.lists {
		if len(list) == 0 {
			continue
		}
		a.BulkDeallocate(class, list)
		c.lists[class] = list[:0]
	}
}

// cached returns the number of chunks held for class. Tests use it to watch
// the drain threshold.
func (c *Cache) cached(class int) int { return len(c.lists[class]) }
