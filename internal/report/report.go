// Package report assembles memory-error reports and brings the process
// down. One engine serves a whole runtime; only the first error to arrive
// is printed, because concurrent reporters would interleave their output.
// Losing callers of ReportError simply return while the winner finishes
// writing and exits.
//
// The engine knows nothing about allocator metadata. Callers register
// Describer hooks that recognize an address (a heap chunk, a fake stack
// frame) and write its story; the engine owns the framing, the shadow dump
// and the death sequence.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/memsan/internal/goid"
	"github.com/hupe1980/memsan/internal/shadow"
	"github.com/hupe1980/memsan/internal/stackdepot"
)

// maxStackFrames bounds the frames printed per trace.
const maxStackFrames = 64

// wordSize is the width of one shadow dump row.
const wordSize = 8

// shadowContextWords is how many rows of shadow are printed on each side of
// the faulting row.
const shadowContextWords = 4

var separator = strings.Repeat("=", 65)

// A Describer explains what addr points into. It writes its description to w
// and reports whether it recognized the address. Describers run in
// registration order until one claims the address.
type Describer func(w io.Writer, addr, accessSize uintptr) bool

// Config wires an Engine to the runtime it reports for.
type Config struct {
	// Tool is the name printed on ERROR lines. Defaults to "memsan".
	Tool string

	// Out receives the report text. Defaults to os.Stderr.
	Out io.Writer

	// Shadow is consulted for bug classification and the shadow dump.
	Shadow *shadow.Memory

	// Describers annotate the faulting address; first match wins.
	Describers []Describer

	// Stats, when set, appends accumulated allocator statistics to reports.
	Stats func(w io.Writer)

	// OnReport receives the finished report text before the process dies.
	// Event-log flushing and sink uploads hang off this hook.
	OnReport func(text []byte)

	// ExitCode is the process exit status after a report. Defaults to 1.
	ExitCode int

	// Exit terminates the process. Defaults to os.Exit; tests substitute a
	// recording function.
	Exit func(code int)

	// Goroutine returns the id printed after "goroutine G". Defaults to
	// goid.Current.
	Goroutine func() int64
}

// Engine formats memory-error reports and terminates the process.
type Engine struct {
	tool      string
	pid       int
	out       io.Writer
	sh        *shadow.Memory
	describe  []Describer
	stats     func(io.Writer)
	onReport  func([]byte)
	exit      func(int)
	goroutine func() int64

	exitCode atomic.Int32
	death    atomic.Pointer[func()]
	calls    atomic.Int32
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Shadow == nil {
		return nil, errors.New("report: shadow memory is required")
	}
	e := &Engine{
		tool:      cfg.Tool,
		pid:       os.Getpid(),
		out:       cfg.Out,
		sh:        cfg.Shadow,
		describe:  cfg.Describers,
		stats:     cfg.Stats,
		onReport:  cfg.OnReport,
		exit:      cfg.Exit,
		goroutine: cfg.Goroutine,
	}
	if e.tool == "" {
		e.tool = "memsan"
	}
	if e.out == nil {
		e.out = os.Stderr
	}
	if e.exit == nil {
		e.exit = os.Exit
	}
	if e.goroutine == nil {
		e.goroutine = goid.Current
	}
	code := cfg.ExitCode
	if code == 0 {
		code = 1
	}
	e.exitCode.Store(int32(code))
	return e, nil
}

// SetErrorExitCode changes the status passed to Exit after a report and
// returns the previous value.
func (e *Engine) SetErrorExitCode(code int) int {
	return int(e.exitCode.Swap(int32(code)))
}

// SetDeathCallback registers fn to run after a report is written, right
// before the process exits. A nil fn unregisters.
func (e *Engine) SetDeathCallback(fn func()) {
	if fn == nil {
		e.death.Store(nil)
		return
	}
	e.death.Store(&fn)
}

// Reported reports whether an error report has fired.
func (e *Engine) Reported() bool {
	return e.calls.Load() > 0
}

// ReportError emits the report for an invalid access of accessSize bytes at
// addr and terminates the process. pc, bp and sp locate the faulting code
// and are printed as given; pass a pc obtained from runtime.Caller so the
// ERROR line can be correlated with the trace. Only the first caller
// reports; later and concurrent calls return immediately.
func (e *Engine) ReportError(pc, bp, sp, addr uintptr, isWrite bool, accessSize uintptr) {
	if e.calls.Add(1) != 1 {
		return
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, separator)

	kind := e.sh.Classify(addr, accessSize)
	e.reportf(&buf, "ERROR: %s %s on address %#x at pc %#x bp %#x sp %#x\n",
		e.tool, kind, addr, pc, bp, sp)

	op := "ACCESS"
	if accessSize > 0 {
		if isWrite {
			op = "WRITE"
		} else {
			op = "READ"
		}
	}
	fmt.Fprintf(&buf, "%s of size %d at %#x goroutine G%d\n", op, accessSize, addr, e.goroutine())

	writeTrace(&buf, currentStack(1))
	e.describeAddress(&buf, addr, accessSize)

	e.reportf(&buf, "ABORTING\n")
	if e.stats != nil {
		e.stats(&buf)
	}
	e.writeShadowDump(&buf, addr)

	e.finish(&buf)
}

// ReportFatal emits a report for an error detected without a faulting
// access, such as a double free or allocator exhaustion, and never returns.
// Losers of the first-report race skip printing; either way the calling
// goroutine is stopped, since its caller cannot continue past the error.
func (e *Engine) ReportFatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if e.calls.Add(1) == 1 {
		var buf bytes.Buffer
		e.reportf(&buf, "ERROR: %s %s\n", e.tool, msg)
		writeTrace(&buf, currentStack(1))
		if e.stats != nil {
			e.stats(&buf)
		}
		e.finish(&buf)
	}
	// Reached when this call lost the race or a substituted Exit returned.
	panic(e.tool + ": " + msg)
}

// reportf writes one line with the pid prefix, for the lines that must stay
// attributable when several processes share a log.
func (e *Engine) reportf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "==%d== ", e.pid)
	fmt.Fprintf(w, format, args...)
}

func (e *Engine) describeAddress(w io.Writer, addr, accessSize uintptr) {
	for _, d := range e.describe {
		if d(w, addr, accessSize) {
			return
		}
	}
	fmt.Fprintf(w, "Address %#x is not tracked by the allocator\n", addr)
}

// writeShadowDump prints the shadow byte for addr, its surrounding word and
// four words of context on each side, marking the faulting row with "=>".
// Nothing is printed for addresses outside the shadowed range.
func (e *Engine) writeShadowDump(w io.Writer, addr uintptr) {
	if !e.sh.Covers(addr) {
		return
	}
	sa := e.sh.ShadowAddr(addr)
	fmt.Fprintf(w, "Shadow byte and word:\n")
	fmt.Fprintf(w, "  %#x: %02x\n", sa, e.sh.ShadowFor(addr))
	aligned := sa &^ (wordSize - 1)
	e.writeShadowRow(w, "  ", aligned)
	fmt.Fprintf(w, "More shadow bytes:\n")
	start := aligned - shadowContextWords*wordSize
	for i := 0; i <= 2*shadowContextWords; i++ {
		row := start + uintptr(i)*wordSize
		prefix := "  "
		if row == aligned {
			prefix = "=>"
		}
		e.writeShadowRow(w, prefix, row)
	}
}

// writeShadowRow prints one word of shadow at shadow address sa. Rows that
// are not fully inside the shadow are skipped rather than clipped, so every
// printed row is correctly labeled.
func (e *Engine) writeShadowRow(w io.Writer, prefix string, sa uintptr) {
	b, ok := e.sh.ShadowBytes(sa, wordSize)
	if !ok || len(b) != wordSize {
		return
	}
	fmt.Fprintf(w, "%s%#x:", prefix, sa)
	for _, v := range b {
		fmt.Fprintf(w, " %02x", v)
	}
	fmt.Fprintln(w)
}

// finish flushes the assembled report and runs the death sequence: output,
// OnReport hook, death callback, exit.
func (e *Engine) finish(buf *bytes.Buffer) {
	text := buf.Bytes()
	e.out.Write(text) //nolint:errcheck // dying anyway
	if e.onReport != nil {
		e.onReport(text)
	}
	if fn := e.death.Load(); fn != nil {
		(*fn)()
	}
	e.exit(int(e.exitCode.Load()))
}

// currentStack captures the calling goroutine's stack, skipping currentStack
// itself plus skip additional frames.
func currentStack(skip int) []uintptr {
	var pcs [maxStackFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	return pcs[:n]
}

func writeTrace(w io.Writer, pcs []uintptr) {
	for _, line := range stackdepot.FormatFrames(pcs) {
		fmt.Fprintln(w, line)
	}
}

// WriteRegionLocation writes the canonical line relating addr to the region
// [beg, beg+size), used by heap and fake-frame describers.
func WriteRegionLocation(w io.Writer, addr, beg, size uintptr) {
	end := beg + size
	var rel string
	var off uintptr
	switch {
	case addr < beg:
		rel, off = "to the left of", beg-addr
	case addr < end:
		rel, off = "inside of", addr-beg
	default:
		rel, off = "to the right of", addr-end
	}
	fmt.Fprintf(w, "%#x is located %d bytes %s %d-byte region [%#x,%#x)\n",
		addr, off, rel, size, beg, end)
}
