package memsan

import "github.com/hupe1980/memsan/internal/goid"

// A LocalCache pins one goroutine's allocation cache in the registry.
//
// The runtime keeps a bounded registry of per-goroutine free-list caches and
// evicts the oldest ones as transient goroutines come and go. A long-lived
// worker that allocates in a tight loop can pin its slot so its free lists
// stay hot across the lifetime of the worker.
type LocalCache struct {
	r   *Runtime
	st  *localState
	gid int64
}

// NewLocalCache pins the calling goroutine's cache and returns the handle
// holding the pin. Pins nest; each handle needs its own release.
func (r *Runtime) NewLocalCache() *LocalCache {
	gid := goid.Current()
	r.cacheMu.Lock()
	st := r.cacheStateLocked(gid)
	st.pinned++
	r.cacheMu.Unlock()
	return &LocalCache{r: r, st: st, gid: gid}
}

// ReleaseLocalCache drops lc's pin. When the last pin goes, the cached
// chunks drain back to the shared free lists and the slot retires. Safe to
// call from a different goroutine than the one that pinned.
func (r *Runtime) ReleaseLocalCache(lc *LocalCache) {
	if lc == nil {
		return
	}
	r.cacheMu.Lock()
	if st, ok := r.caches[lc.gid]; ok && st == lc.st && st.pinned > 0 {
		st.pinned--
		if st.pinned == 0 {
			st.mu.Lock()
			r.alloc.SwallowCache(st.cache)
			st.retired = true
			st.mu.Unlock()
			delete(r.caches, lc.gid)
		}
	}
	r.cacheMu.Unlock()
}
