package memsan

import (
	"runtime"

	"github.com/hupe1980/memsan/internal/goid"
)

// CheckRead verifies that reading n bytes at p touches only addressable
// memory. A poisoned byte in the range produces a full error report and
// terminates the process. Ranges outside the managed space pass; the runtime
// makes no claim about memory it does not own.
func (r *Runtime) CheckRead(p, n uintptr) {
	r.checkAccess(p, n, false)
}

// CheckWrite is CheckRead for stores.
func (r *Runtime) CheckWrite(p, n uintptr) {
	r.checkAccess(p, n, true)
}

// Fixed-width check entry points. Instrumented code sites with a known
// access width call these instead of CheckRead/CheckWrite with a variable
// length.

// ReportLoad1 checks a 1-byte load at p.
func (r *Runtime) ReportLoad1(p uintptr) { r.checkAccess(p, 1, false) }

// ReportLoad2 checks a 2-byte load at p.
func (r *Runtime) ReportLoad2(p uintptr) { r.checkAccess(p, 2, false) }

// ReportLoad4 checks a 4-byte load at p.
func (r *Runtime) ReportLoad4(p uintptr) { r.checkAccess(p, 4, false) }

// ReportLoad8 checks an 8-byte load at p.
func (r *Runtime) ReportLoad8(p uintptr) { r.checkAccess(p, 8, false) }

// ReportLoad16 checks a 16-byte load at p.
func (r *Runtime) ReportLoad16(p uintptr) { r.checkAccess(p, 16, false) }

// ReportStore1 checks a 1-byte store at p.
func (r *Runtime) ReportStore1(p uintptr) { r.checkAccess(p, 1, true) }

// ReportStore2 checks a 2-byte store at p.
func (r *Runtime) ReportStore2(p uintptr) { r.checkAccess(p, 2, true) }

// ReportStore4 checks a 4-byte store at p.
func (r *Runtime) ReportStore4(p uintptr) { r.checkAccess(p, 4, true) }

// ReportStore8 checks an 8-byte store at p.
func (r *Runtime) ReportStore8(p uintptr) { r.checkAccess(p, 8, true) }

// ReportStore16 checks a 16-byte store at p.
func (r *Runtime) ReportStore16(p uintptr) { r.checkAccess(p, 16, true) }

// checkAccess is the shared slow-path-free check. It must stay exactly one
// call below the public entry points so the reported pc lands on the caller.
func (r *Runtime) checkAccess(p, n uintptr, isWrite bool) {
	if n == 0 {
		return
	}
	bad, ok := r.sh.CheckAccess(p, n)
	if ok {
		return
	}

	kind := r.sh.Classify(bad, n)
	r.metrics.RecordReport(kind.String())
	if r.events != nil {
		_ = r.events.LogReport(goid.Current(), bad, n, uint32(kind))
	}
	pc, _, _, _ := runtime.Caller(2)
	r.engine.ReportError(pc, 0, 0, bad, isWrite, n)
}

// PoisonMemoryRegion marks [p, p+n) unaddressable on behalf of application
// code, for container annotations and custom allocators layered on top of
// the runtime. Boundary granules shared with live memory round so the poison
// undershoots rather than swallowing neighboring bytes.
//
// The call is a no-op when manual poisoning is disabled or the range falls
// outside the managed space.
func (r *Runtime) PoisonMemoryRegion(p, n uintptr) {
	if !r.opts.allowUserPoisoning {
		return
	}
	r.sh.PoisonRegion(p, n)
}

// UnpoisonMemoryRegion undoes PoisonMemoryRegion. Boundary granules round
// the other way, so the unpoisoned range may overshoot to the granule edge.
func (r *Runtime) UnpoisonMemoryRegion(p, n uintptr) {
	if !r.opts.allowUserPoisoning {
		return
	}
	r.sh.UnpoisonRegion(p, n)
}

// AddressIsPoisoned reports whether a one-byte access at p would fault.
// Unlike the check entry points it never reports; probing poisoned memory is
// the point. Addresses outside the managed space are never poisoned.
func (r *Runtime) AddressIsPoisoned(p uintptr) bool {
	return r.sh.AddressIsPoisoned(p)
}

// RegionIsPoisoned returns the address of the first poisoned byte in
// [p, p+n), or zero when the whole range is addressable.
func (r *Runtime) RegionIsPoisoned(p, n uintptr) uintptr {
	return r.sh.RegionIsPoisoned(p, n)
}
