package memsan

import (
	"fmt"
	"io"

	"github.com/hupe1980/memsan/internal/fakestack"
	"github.com/hupe1980/memsan/internal/report"
	"github.com/hupe1980/memsan/internal/stackdepot"
)

// describeHeapAddress annotates a faulting address that falls into a carved
// heap chunk: its position relative to the user region, then the free and
// allocation stacks with their goroutines.
func (r *Runtime) describeHeapAddress(w io.Writer, addr, accessSize uintptr) bool {
	chunkBeg, meta, ok := r.chunkAt(addr)
	if !ok {
		return false
	}
	state := meta.state()
	if state == chunkFree {
		return false
	}

	userBeg := chunkBeg + meta.userOff()
	report.WriteRegionLocation(w, addr, userBeg, meta.requestedSize())

	if state == chunkQuarantined {
		fmt.Fprintf(w, "freed by goroutine G%d here:\n", meta.freeGoroutine())
		r.writeStack(w, meta.freeStack())
		fmt.Fprintf(w, "previously allocated by goroutine G%d here:\n", meta.allocGoroutine())
	} else {
		fmt.Fprintf(w, "allocated by goroutine G%d here:\n", meta.allocGoroutine())
	}
	r.writeStack(w, meta.allocStack())
	return true
}

// describeFakeFrame annotates addresses inside the fake-stack zone with
// their frame slot and whether the frame is still live.
func (r *Runtime) describeFakeFrame(w io.Writer, addr, accessSize uintptr) bool {
	if r.fs == nil {
		return false
	}
	begin, realStack, class, live := r.fs.FrameInfo(addr)
	if begin == 0 {
		return false
	}
	status := "retired"
	if live {
		status = "live"
	}
	fmt.Fprintf(w, "Address %#x is at offset %d in a %s fake stack frame of class %d [%#x,%#x), real stack %#x\n",
		addr, addr-begin, status, class, begin, begin+fakestack.BytesInClass(class), realStack)
	return true
}

func (r *Runtime) writeStack(w io.Writer, id uint32) {
	for _, line := range stackdepot.FormatFrames(r.depot.Stack(id)) {
		fmt.Fprintln(w, line)
	}
}
