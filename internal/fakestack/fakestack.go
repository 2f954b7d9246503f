// Package fakestack implements the frame pool behind use-after-return
// detection. Instead of living on the real stack, instrumented frames are
// claimed from per-class arrays of fixed-size slots; when a frame is freed
// its memory is poisoned and the slot is not reused until the rotating
// cursor wraps around, so reads through a dangling frame pointer keep
// faulting.
//
// Real stacks grow downward: a frame's recorded realStack cursor is smaller
// the deeper the call that claimed it. Garbage collection after a longjmp
// style exit relies on exactly that ordering.
package fakestack

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/memsan/internal/shadow"
	"github.com/hupe1980/memsan/internal/vmem"
)

const (
	// MinFrameSizeLog is the log2 of the smallest frame slot.
	MinFrameSizeLog = 6
	// MaxFrameSizeLog is the log2 of the largest frame slot.
	MaxFrameSizeLog = 16
	// NumClasses is the number of frame size classes.
	NumClasses = MaxFrameSizeLog - MinFrameSizeLog + 1

	// MinStackSizeLog and MaxStackSizeLog bound the per-class array size.
	// The lower bound keeps at least one frame in the largest class.
	MinStackSizeLog = 16
	MaxStackSizeLog = 26
)

// Frame header magics, stamped into the first word of a claimed frame.
const (
	FrameMagicLive    = 0x41b58ab3
	FrameMagicRetired = 0x45e0360e
)

// The shadow fill pattern for freed frames, one poison byte per granule.
const (
	magic1 = uint64(shadow.StackAfterReturn)
	magic2 = magic1<<8 | magic1
	magic4 = magic2<<16 | magic2
	magic8 = magic4<<32 | magic4
)

// BytesInClass returns the slot size of a class.
func BytesInClass(class int) uintptr {
	return 1 << (MinFrameSizeLog + uintptr(class))
}

// ClassForSize returns the smallest class whose slots hold size bytes, or -1
// when size exceeds the largest slot.
func ClassForSize(size uintptr) int {
	for c := 0; c < NumClasses; c++ {
		if size <= BytesInClass(c) {
			return c
		}
	}
	return -1
}

// ZoneSize returns the address range a Stack with the given stackSizeLog
// needs: one array of 1<<stackSizeLog bytes per class.
func ZoneSize(stackSizeLog uintptr) uintptr {
	return NumClasses << stackSizeLog
}

// frameHeader occupies the first words of every claimed frame. magic, descr
// and pc describe the frame for reports; realStack orders frames for GC.
type frameHeader struct {
	magic     uintptr
	descr     uintptr
	pc        uintptr
	realStack uintptr
	classID   uintptr
}

// Config carries the placement for a Stack.
type Config struct {
	// Space is the reservation the frame arrays live in.
	Space *vmem.Space
	// Beg is the zone base, page aligned; the zone spans ZoneSize bytes.
	Beg uintptr
	// StackSizeLog is the log2 of each per-class array.
	StackSizeLog uintptr
	// Shadow poisons and unpoisons frame memory.
	Shadow *shadow.Memory
	// Fatalf must not return; defaults to panic.
	Fatalf func(format string, args ...any)
}

// Stack is one pool of fake frames shared by all goroutines; slot claims are
// atomic, so no lock is held on the malloc path.
type Stack struct {
	space        *vmem.Space
	sh           *shadow.Memory
	beg          uintptr
	end          uintptr
	stackSizeLog uintptr
	flags        [NumClasses][]uint32
	hint         [NumClasses]atomic.Uint64
	usedClasses  atomic.Uint64 // bit per class that ever allocated
	needsGC      atomic.Bool
	fatalf       func(format string, args ...any)
}

// New commits the frame zone and poisons all of it; unclaimed slots stay
// unaddressable until a claim unpoisons them.
func New(cfg Config) (*Stack, error) {
	if cfg.Space == nil || cfg.Shadow == nil {
		return nil, fmt.Errorf("fakestack: nil space or shadow")
	}
	if cfg.StackSizeLog < MinStackSizeLog || cfg.StackSizeLog > MaxStackSizeLog {
		return nil, fmt.Errorf("fakestack: stack size log %d outside [%d, %d]",
			cfg.StackSizeLog, MinStackSizeLog, MaxStackSizeLog)
	}
	if !vmem.IsAligned(cfg.Beg, vmem.PageSize()) {
		return nil, fmt.Errorf("fakestack: zone base %#x is not page aligned", cfg.Beg)
	}
	size := ZoneSize(cfg.StackSizeLog)
	if !cfg.Space.Contains(cfg.Beg) || size > cfg.Space.End()-cfg.Beg {
		return nil, fmt.Errorf("fakestack: zone [%#x, +%#x) outside reservation", cfg.Beg, size)
	}
	fatalf := cfg.Fatalf
	if fatalf == nil {
		fatalf = func(format string, args ...any) {
			panic("fakestack: " + fmt.Sprintf(format, args...))
		}
	}
	if err := cfg.Space.Commit(cfg.Beg, vmem.RoundUpTo(size, vmem.PageSize())); err != nil {
		return nil, fmt.Errorf("fakestack: commit zone: %w", err)
	}
	s := &Stack{
		space:        cfg.Space,
		sh:           cfg.Shadow,
		beg:          cfg.Beg,
		end:          cfg.Beg + size,
		stackSizeLog: cfg.StackSizeLog,
		fatalf:       fatalf,
	}
	for c := 0; c < NumClasses; c++ {
		s.flags[c] = make([]uint32, s.NumberOfFrames(c))
	}
	s.sh.Poison(s.beg, size, shadow.StackLeftRedzone)
	return s, nil
}

// Beg returns the zone base.
func (s *Stack) Beg() uintptr { return s.beg }

// End returns one past the zone.
func (s *Stack) End() uintptr { return s.end }

// StackSizeLog returns the per-class array size log.
func (s *Stack) StackSizeLog() uintptr { return s.stackSizeLog }

// NumberOfFrames returns how many slots a class has.
func (s *Stack) NumberOfFrames(class int) int {
	return 1 << (s.stackSizeLog - MinFrameSizeLog - uintptr(class))
}

func (s *Stack) classBase(class int) uintptr {
	return s.beg + uintptr(class)<<s.stackSizeLog
}

func (s *Stack) frameAt(class int, pos uintptr) uintptr {
	return s.classBase(class) + pos*BytesInClass(class)
}

func (s *Stack) header(ptr uintptr) *frameHeader {
	b := s.space.Slice(ptr, unsafe.Sizeof(frameHeader{}))
	return (*frameHeader)(unsafe.Pointer(&b[0]))
}

// Allocate claims a frame slot of the class and records realStack in its
// header. The rotating per-class cursor makes reuse of a just-freed slot as
// late as possible. Running out of slots is fatal.
func (s *Stack) Allocate(class int, realStack uintptr) uintptr {
	if class < 0 || class >= NumClasses {
		s.fatalf("allocate with bad frame class %d", class)
	}
	if s.needsGC.Load() {
		s.GC(realStack)
	}
	flags := s.flags[class]
	n := uintptr(len(flags))
	for i := uintptr(0); i < n; i++ {
		pos := uintptr(s.hint[class].Add(1)-1) & (n - 1)
		if atomic.LoadUint32(&flags[pos]) != 0 {
			continue
		}
		if atomic.SwapUint32(&flags[pos], 1) != 0 {
			continue
		}
		ptr := s.frameAt(class, pos)
		h := s.header(ptr)
		h.magic = FrameMagicLive
		h.realStack = realStack
		h.classID = uintptr(class)
		s.usedClasses.Or(1 << uintptr(class))
		return ptr
	}
	s.fatalf("failed to allocate a fake stack frame of class %d", class)
	return 0
}

// Deallocate releases the slot at ptr. Releasing a slot that is not claimed
// is fatal.
func (s *Stack) Deallocate(ptr uintptr, class int) {
	base := s.classBase(class)
	if ptr < base || ptr >= base+1<<s.stackSizeLog {
		s.fatalf("frame %#x outside class %d array", ptr, class)
	}
	pos := (ptr - base) >> (MinFrameSizeLog + uintptr(class))
	s.header(ptr).magic = FrameMagicRetired
	if atomic.SwapUint32(&s.flags[class][pos], 0) != 1 {
		s.fatalf("frame %#x of class %d freed twice", ptr, class)
	}
}

// AddrIsInFakeStack returns the begin of the frame slot containing ptr, or 0
// when ptr is outside the zone.
func (s *Stack) AddrIsInFakeStack(ptr uintptr) uintptr {
	if ptr < s.beg || ptr >= s.end {
		return 0
	}
	class := int((ptr - s.beg) >> s.stackSizeLog)
	base := s.classBase(class)
	pos := (ptr - base) >> (MinFrameSizeLog + uintptr(class))
	return base + pos*BytesInClass(class)
}

// FrameInfo reads the header of the frame slot containing ptr.
func (s *Stack) FrameInfo(ptr uintptr) (begin, realStack uintptr, class int, live bool) {
	begin = s.AddrIsInFakeStack(ptr)
	if begin == 0 {
		return 0, 0, 0, false
	}
	class = int((begin - s.beg) >> s.stackSizeLog)
	pos := (begin - s.classBase(class)) >> (MinFrameSizeLog + uintptr(class))
	h := s.header(begin)
	return begin, h.realStack, class, atomic.LoadUint32(&s.flags[class][pos]) != 0
}

// HandleNoReturn marks the pool for garbage collection: the next Allocate
// first collects frames orphaned by a non-returning exit.
func (s *Stack) HandleNoReturn() {
	s.needsGC.Store(true)
}

// PendingGC reports whether a non-returning exit flagged the pool for
// collection and no Allocate has collected yet.
func (s *Stack) PendingGC() bool {
	return s.needsGC.Load()
}

// GC releases every claimed frame whose realStack lies below the current
// cursor. A longjmp or goroutine exit never ran the frees for the frames of
// the abandoned calls; since stacks grow downward, those frames all recorded
// deeper (smaller) cursors than any caller still running. Only the claim
// flags are cleared; the frames' memory keeps its current shadow until the
// slots are claimed again. Returns the number of frames collected.
func (s *Stack) GC(realStack uintptr) int {
	collected := 0
	used := s.usedClasses.Load()
	for class := 0; class < NumClasses; class++ {
		if used&(1<<uintptr(class)) == 0 {
			continue
		}
		flags := s.flags[class]
		for pos := range flags {
			if atomic.LoadUint32(&flags[pos]) == 0 {
				continue
			}
			ptr := s.frameAt(class, uintptr(pos))
			if s.header(ptr).realStack < realStack {
				atomic.StoreUint32(&flags[pos], 0)
				collected++
			}
		}
	}
	s.needsGC.Store(false)
	return collected
}

// OnMalloc claims a frame of the class and makes its memory addressable.
// Callers pass their descending stack cursor as realStack.
func (s *Stack) OnMalloc(class int, size, realStack uintptr) uintptr {
	if size > BytesInClass(class) {
		s.fatalf("frame size %d exceeds class %d slot of %d bytes", size, class, BytesInClass(class))
	}
	ptr := s.Allocate(class, realStack)
	s.setShadow(ptr, size, class, 0)
	return ptr
}

// OnFree releases the frame at ptr and poisons its memory so later reads
// report use after return. A ptr equal to realStack means the caller never
// got a fake frame and is a no-op.
func (s *Stack) OnFree(ptr uintptr, class int, size, realStack uintptr) {
	if ptr == realStack {
		return
	}
	s.Deallocate(ptr, class)
	s.setShadow(ptr, size, class, magic8)
}

// setShadow covers the frame's shadow with the 8-byte pattern. Classes up to
// 6 cover whole slots with word stores; beyond that only size bytes are
// touched, which is cheaper.
func (s *Stack) setShadow(ptr, size uintptr, class int, pattern uint64) {
	if class <= 6 {
		s.sh.FillWords(ptr, 1<<uintptr(class), pattern)
		return
	}
	s.sh.Poison(ptr, vmem.RoundUpTo(size, shadow.Granularity), byte(pattern))
}
