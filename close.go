package memsan

// Close tears the runtime down: an optional leak check, cache drain, event
// log shutdown and finally the release of the whole reservation. Close is
// idempotent and safe on a nil runtime.
//
// Every pointer handed out by the runtime is dead after Close; using one is
// a fault in the caller the runtime can no longer catch.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	if r.closed.Swap(true) {
		return nil
	}

	if r.opts.leakCheck {
		leaks := r.CheckLeaks()
		var bytes uintptr
		for i := range leaks {
			bytes += leaks[i].Bytes
		}
		r.logger.LogLeakCheck(len(leaks), bytes)
	}

	r.cacheMu.Lock()
	for gid, st := range r.caches {
		st.mu.Lock()
		r.alloc.SwallowCache(st.cache)
		st.retired = true
		st.mu.Unlock()
		delete(r.caches, gid)
	}
	r.cacheMu.Unlock()

	var firstErr error
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.space.Release(); err != nil && firstErr == nil {
		firstErr = err
	}

	r.logger.LogClose(firstErr)
	return firstErr
}
