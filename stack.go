package memsan

import "github.com/hupe1980/memsan/internal/fakestack"

// StackFrameClasses is the number of fake-frame size classes. Class c holds
// frames of up to 64<<c bytes.
const StackFrameClasses = fakestack.NumClasses

// StackFrameClass returns the smallest frame class whose slots hold size
// bytes, or -1 when size exceeds the largest class and the caller must stay
// on its real frame.
func StackFrameClass(size uintptr) int {
	return fakestack.ClassForSize(size)
}

// StackMalloc claims a fake frame of the given class for a function frame,
// so locals escaping the call keep a poisoned corpse behind and reads
// through them report use-after-return. realStack is the caller's stack
// cursor; the collector uses it to order live frames.
//
// The frame's size bytes come back addressable; callers lay out their own
// poison fences inside the frame, the way instrumented prologues do. A zero
// return means the fake stack is disabled and the caller proceeds on its
// real frame.
func (r *Runtime) StackMalloc(class int, size, realStack uintptr) uintptr {
	if r.fs == nil {
		return 0
	}
	if r.fs.PendingGC() {
		freed := r.fs.GC(realStack)
		r.metrics.RecordStackGC(freed)
		r.logger.LogStackGC(freed)
	}
	return r.fs.OnMalloc(class, size, realStack)
}

// StackFree retires the fake frame p of the given class at function exit and
// poisons it, arming use-after-return detection for every pointer that
// escaped the frame. Calls where p equals realStack or zero mean the frame
// lived on the real stack and are no-ops.
func (r *Runtime) StackFree(class int, p, size, realStack uintptr) {
	if r.fs == nil || p == 0 {
		return
	}
	r.fs.OnFree(p, class, size, realStack)
}

// HandleNoReturn flags the fake-stack pool for collection before a jump that
// abandons stack frames without running their exits - a panic recovered far
// up the stack, or a goroutine killed mid-call. The next StackMalloc sweeps
// frames belonging to the abandoned calls.
func (r *Runtime) HandleNoReturn() {
	if r.fs != nil {
		r.fs.HandleNoReturn()
	}
}
