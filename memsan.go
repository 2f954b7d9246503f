package memsan

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/memsan/internal/combined"
	"github.com/hupe1980/memsan/internal/eventlog"
	"github.com/hupe1980/memsan/internal/fakestack"
	"github.com/hupe1980/memsan/internal/primary"
	"github.com/hupe1980/memsan/internal/quarantine"
	"github.com/hupe1980/memsan/internal/report"
	"github.com/hupe1980/memsan/internal/secondary"
	"github.com/hupe1980/memsan/internal/shadow"
	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/hupe1980/memsan/internal/stackdepot"
	"github.com/hupe1980/memsan/internal/vmem"
	"github.com/hupe1980/memsan/reportsink"
	"github.com/hupe1980/memsan/resource"
)

const (
	// gapSize is the protected hole between the shadow table and the
	// application range. A pointer that escapes one side faults before it
	// can reach the other.
	gapSize = 1 << 21

	// Fake-stack array sizes: the large log for full-size reservations, the
	// small one when the application range is under 2 GB.
	defaultStackSizeLog = 20
	smallStackSizeLog   = 16
	smallSpaceThreshold = 1 << 31

	// maxGoroutineCaches bounds the allocation-cache registry. Go has no
	// goroutine-exit hook, so caches of transient goroutines are evicted
	// once the registry fills up.
	maxGoroutineCaches = 512
)

// localState is one goroutine's slot in the cache registry. Its mutex covers
// the cache and the retired flag; pinned is guarded by the registry lock.
// A retired slot has been drained into the shared free lists and must not
// receive further chunks, or they would be stranded until process exit.
type localState struct {
	mu      sync.Mutex
	cache   *combined.Cache
	pinned  int
	retired bool
}

// Runtime is the detector core: one reserved address space carrying the
// shadow table and both allocator zones, the fake-stack pool, and the report
// engine, behind a single handle.
//
// Construction can fail with an error; after New succeeds the runtime is
// crash-only. Memory errors, allocator exhaustion and API misuse produce a
// report and terminate the process rather than returning.
//
// All methods are safe for concurrent use.
type Runtime struct {
	opts options

	space   *vmem.Space
	sh      *shadow.Memory
	classes *sizeclass.Map

	prim  *primary.Allocator
	sec   *secondary.Allocator
	alloc *combined.Allocator
	quar  *quarantine.Queue
	fs    *fakestack.Stack
	depot *stackdepot.Depot

	engine *report.Engine
	events *eventlog.Log
	rc     *resource.Controller
	sink   reportsink.Sink

	logger  *Logger
	metrics MetricsCollector

	cacheMu sync.Mutex
	caches  map[int64]*localState

	heapBytes      atomic.Int64 // requested bytes currently live
	committedBytes atomic.Int64
	mallocCount    atomic.Uint64
	mallocBytes    atomic.Uint64
	freeCount      atomic.Uint64
	freeBytes      atomic.Uint64

	inited atomic.Bool
	closed atomic.Bool
}

// layout carves the reservation. All fields are sizes; the zones land in
// order [shadow | gap | primary | secondary | fake stack], with everything
// past the gap forming the application range the shadow table covers.
type layout struct {
	totalSize  uintptr
	shadowSize uintptr
	appSize    uintptr
	primSize   uintptr
	secSize    uintptr
	fsSize     uintptr
	fsLog      uintptr
}

func computeLayout(o *options) (layout, error) {
	page := vmem.PageSize()

	var l layout
	// The shadow table maps 8 application bytes to 1 shadow byte and must
	// itself be whole pages.
	l.appSize = vmem.RoundUpTo(o.spaceSize, 8*page)
	l.shadowSize = l.appSize >> shadow.Scale
	l.totalSize = l.shadowSize + gapSize + l.appSize

	if o.useFakeStack {
		l.fsLog = defaultStackSizeLog
		if l.appSize < smallSpaceThreshold {
			l.fsLog = smallStackSizeLog
		}
		l.fsSize = fakestack.ZoneSize(l.fsLog)
	}

	numClasses := uintptr(o.classes.NumClasses())
	l.primSize = vmem.RoundDownTo(l.appSize/2, numClasses*page)
	if l.primSize == 0 {
		return layout{}, invalidOption("space_size", o.spaceSize, "too small to split across the size classes")
	}
	regionSize := l.primSize / numClasses
	if regionSize < o.classes.MaxSize()+primary.MetadataSize {
		return layout{}, invalidOption("space_size", o.spaceSize, "per-class regions cannot hold the largest size class")
	}
	if l.appSize < l.primSize+l.fsSize+64*page {
		return layout{}, invalidOption("space_size", o.spaceSize, "no room left for the large-object zone")
	}
	l.secSize = l.appSize - l.primSize - l.fsSize
	return l, nil
}

// New reserves the address space, wires the shadow table, the allocators,
// the fake-stack pool and the report engine, and returns the ready runtime.
// Option and environment errors are returned; once New succeeds, error
// handling switches to reports.
func New(optFns ...Option) (*Runtime, error) {
	opts := applyOptions(optFns)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	l, err := computeLayout(&opts)
	if err != nil {
		return nil, err
	}

	rc := opts.rc
	if rc == nil {
		rc = resource.NewController(resource.Config{})
	}

	r := &Runtime{
		opts:    opts,
		classes: opts.classes,
		rc:      rc,
		sink:    opts.sink,
		logger:  opts.logger,
		metrics: opts.metrics,
		caches:  make(map[int64]*localState),
	}

	space, err := vmem.Reserve(l.totalSize)
	if err != nil {
		return nil, fmt.Errorf("reserve %d MB address space: %w", l.totalSize>>20, err)
	}
	r.space = space

	fail := func(err error) (*Runtime, error) {
		if r.events != nil {
			_ = r.events.Close()
		}
		_ = space.Release()
		return nil, err
	}

	base := space.Base()
	appBase := base + l.shadowSize + gapSize

	if err := rc.AcquireMemory(int64(l.shadowSize)); err != nil {
		return fail(fmt.Errorf("shadow table of %d MB: %w", l.shadowSize>>20, err))
	}
	if err := space.Commit(base, l.shadowSize); err != nil {
		return fail(fmt.Errorf("commit shadow table: %w", err))
	}
	r.committedBytes.Store(int64(l.shadowSize))
	if err := space.Protect(base+l.shadowSize, gapSize); err != nil {
		return fail(fmt.Errorf("protect shadow gap: %w", err))
	}

	sh, err := shadow.New(space.Slice(base, l.shadowSize), appBase, l.appSize)
	if err != nil {
		return fail(err)
	}
	r.sh = sh

	if opts.eventLogPath != "" {
		fns := append([]func(*eventlog.Options){func(o *eventlog.Options) {
			o.Path = opts.eventLogPath
		}}, opts.eventLogOptions...)
		events, err := eventlog.New(fns...)
		if err != nil {
			return fail(fmt.Errorf("open event log: %w", err))
		}
		r.events = events
	}

	prim, err := primary.New(primary.Config{
		Space:    space,
		Beg:      appBase,
		Size:     l.primSize,
		Classes:  opts.classes,
		OnCommit: r.onPrimaryCommit,
		Fatalf:   r.fatal,
	})
	if err != nil {
		return fail(err)
	}
	r.prim = prim

	sec, err := secondary.New(secondary.Config{
		Space:   space,
		Beg:     appBase + l.primSize,
		Size:    l.secSize,
		OnMap:   r.onSecondaryMap,
		OnUnmap: r.onSecondaryUnmap,
		Fatalf:  r.fatal,
	})
	if err != nil {
		return fail(err)
	}
	r.sec = sec

	alloc, err := combined.New(prim, sec, space, r.fatal)
	if err != nil {
		return fail(err)
	}
	r.alloc = alloc

	r.quar = quarantine.New(opts.quarantineSize)
	r.depot = stackdepot.New(opts.mallocContextSize)

	if opts.useFakeStack {
		if err := rc.AcquireMemory(int64(l.fsSize)); err != nil {
			return fail(fmt.Errorf("fake-stack zone of %d KB: %w", l.fsSize>>10, err))
		}
		fs, err := fakestack.New(fakestack.Config{
			Space:        space,
			Beg:          appBase + l.primSize + l.secSize,
			StackSizeLog: l.fsLog,
			Shadow:       sh,
			Fatalf:       r.fatal,
		})
		if err != nil {
			return fail(err)
		}
		r.fs = fs
		r.committedBytes.Add(int64(l.fsSize))
	}

	engine, err := report.New(report.Config{
		Out:        opts.reportWriter,
		Shadow:     sh,
		Describers: []report.Describer{r.describeHeapAddress, r.describeFakeFrame},
		Stats:      r.writeStats,
		OnReport:   r.persistReport,
		ExitCode:   opts.exitCode,
		Exit:       opts.exitFunc,
	})
	if err != nil {
		return fail(err)
	}
	r.engine = engine

	r.inited.Store(true)
	r.logger.LogInit(space.Size(), l.shadowSize, l.primSize, l.secSize, l.fsSize)
	return r, nil
}

// fatal records the report in metrics and hands off to the engine, which
// prints and terminates. It never returns.
func (r *Runtime) fatal(format string, args ...any) {
	r.metrics.RecordReport("fatal")
	r.engine.ReportFatal(format, args...)
}

// onPrimaryCommit accounts freshly committed size-class pages against the
// memory budget and poisons them. Chunk memory is unpoisoned per allocation;
// the metadata pages at the top of each region share the redzone magic since
// no checked pointer ever legitimately reaches them.
func (r *Runtime) onPrimaryCommit(addr, size uintptr) {
	if err := r.rc.AcquireMemory(int64(size)); err != nil {
		r.fatal("commit of %d bytes in the size-class zone exceeds the memory budget (%d of %d in use)",
			size, r.rc.MemoryUsage(), r.rc.MemoryLimit())
	}
	r.committedBytes.Add(int64(size))
	r.sh.Poison(addr, size, shadow.HeapLeftRedzone)
	r.logger.LogRegionGrowth("primary", addr, size)
}

// onSecondaryMap accounts and poisons a fresh large-object mapping, header
// page included. The user range is unpoisoned by the allocation path.
func (r *Runtime) onSecondaryMap(addr, size uintptr) {
	if err := r.rc.AcquireMemory(int64(size)); err != nil {
		r.fatal("mapping %d bytes in the large-object zone exceeds the memory budget (%d of %d in use)",
			size, r.rc.MemoryUsage(), r.rc.MemoryLimit())
	}
	r.committedBytes.Add(int64(size))
	r.sh.Poison(addr, size, shadow.HeapLeftRedzone)
	r.logger.LogRegionGrowth("secondary", addr, size)
}

// onSecondaryUnmap runs before a freed mapping is decommitted. The shadow
// keeps marking the range freed so stale pointers classify as use-after-free
// instead of faulting raw.
func (r *Runtime) onSecondaryUnmap(addr, size uintptr) {
	r.sh.Poison(addr, size, shadow.HeapFreed)
	r.committedBytes.Add(-int64(size))
	r.rc.ReleaseMemory(int64(size))
}

// cacheState returns gid's registry slot, creating it on first use. Callers
// must look the slot up on every operation; eviction can retire a slot at
// any time between operations.
func (r *Runtime) cacheState(gid int64) *localState {
	r.cacheMu.Lock()
	st := r.cacheStateLocked(gid)
	r.cacheMu.Unlock()
	return st
}

// lockCache returns gid's registry slot with its mutex held. A slot that was
// retired between the lookup and the lock is discarded and the lookup rerun,
// so chunks never land in a cache the drain paths can no longer reach.
func (r *Runtime) lockCache(gid int64) *localState {
	for {
		st := r.cacheState(gid)
		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
	}
}

func (r *Runtime) cacheStateLocked(gid int64) *localState {
	st, ok := r.caches[gid]
	if !ok {
		if len(r.caches) >= maxGoroutineCaches {
			r.evictCacheLocked(gid)
		}
		st = &localState{cache: combined.NewCache(r.classes.NumClasses())}
		r.caches[gid] = st
	}
	return st
}

// evictCacheLocked retires one unpinned slot, returning its cached chunks to
// the shared free lists. Caller holds cacheMu.
func (r *Runtime) evictCacheLocked(except int64) {
	for gid, st := range r.caches {
		if gid == except || st.pinned > 0 {
			continue
		}
		st.mu.Lock()
		r.alloc.SwallowCache(st.cache)
		st.retired = true
		st.mu.Unlock()
		delete(r.caches, gid)
		return
	}
}

// Owns reports whether p lies inside either allocator zone. It does not
// imply p is currently allocated.
func (r *Runtime) Owns(p uintptr) bool {
	return r.alloc.PointerIsMine(p)
}

// Bytes returns the n bytes at p as a slice backed by the managed space.
// The range must lie inside the reservation; a range outside it is fatal.
// Bytes performs no poisoning check - pair it with CheckRead or CheckWrite.
func (r *Runtime) Bytes(p, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	if !r.space.Contains(p) || n > r.space.End()-p {
		r.fatal("byte range [%#x, +%d) outside the managed space", p, n)
	}
	return r.space.Slice(p, n)
}

// EventLogPath returns the path of the event log file, or "" when event
// logging is not configured. The file is complete once Close returns.
func (r *Runtime) EventLogPath() string {
	return r.events.FilePath()
}

// SetErrorExitCode changes the process exit status used after a report and
// returns the previous value. It may be called at any time, including from
// a death callback.
func (r *Runtime) SetErrorExitCode(code int) int {
	return r.engine.SetErrorExitCode(code)
}

// SetDeathCallback registers fn to run after a report is written, right
// before the process exits. A nil fn removes the callback. Embedders use it
// to flush their own state while the runtime is dying.
func (r *Runtime) SetDeathCallback(fn func()) {
	r.engine.SetDeathCallback(fn)
}
