package memsan

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/hupe1980/memsan/internal/eventlog"
	"github.com/hupe1980/memsan/internal/sizeclass"
	"github.com/hupe1980/memsan/reportsink"
	"github.com/hupe1980/memsan/resource"
)

// Defaults for the options that shape the managed address space.
const (
	// DefaultRedzone is the poisoned padding placed before each allocation.
	DefaultRedzone = 128
	// DefaultQuarantineSize is how many freed bytes are held back from reuse.
	DefaultQuarantineSize = 1 << 28
	// DefaultSpaceSize is the checked application address range.
	DefaultSpaceSize = 1 << 33
	// DefaultMallocContextSize is the stack depth recorded per allocation.
	DefaultMallocContextSize = 30
	// DefaultMaxMallocFillSize caps how much of a fresh allocation is filled
	// with the malloc fill byte.
	DefaultMaxMallocFillSize = 4096
	// DefaultExitCode is the process exit status after a report.
	DefaultExitCode = 1
)

// Fill bytes written into user memory so uninitialized reads and stale data
// stand out in dumps.
const (
	mallocFillByte = 0xbe
	freeFillByte   = 0xde
)

// Bounds for WithRedzone.
const (
	minRedzone = 32
	maxRedzone = 2048
)

// minSpaceSize keeps the layout viable: every size class needs a region that
// holds at least one chunk of the largest class, and the secondary and
// fake-stack zones need room of their own.
const minSpaceSize = 1 << 27

type options struct {
	redzone            uintptr
	quarantineSize     uintptr
	mallocContextSize  int
	maxMallocFillSize  uintptr
	maxFreeFillSize    uintptr
	exitCode           int
	spaceSize          uintptr
	classes            *sizeclass.Map
	useFakeStack       bool
	allowUserPoisoning bool
	leakCheck          bool
	logger             *Logger
	metrics            MetricsCollector
	eventLogPath       string
	eventLogOptions    []func(*eventlog.Options)
	sink               reportsink.Sink
	rc                 *resource.Controller
	reportWriter       io.Writer
	exitFunc           func(code int)
	envErr             error
}

// Option configures Runtime construction.
//
// Everything here is fixed at New; the runtime has no mutable configuration
// after init.
type Option func(*options)

// WithRedzone sets the poisoned padding placed before each heap allocation,
// in bytes. Must be a power of two in [32, 2048]. Bigger redzones catch
// wilder overflows at the cost of memory.
func WithRedzone(bytes uintptr) Option {
	return func(o *options) {
		o.redzone = bytes
	}
}

// WithQuarantineSize sets how many freed bytes are held back from reuse.
// While a chunk is quarantined its memory stays poisoned, so stale pointers
// keep faulting as use-after-free. Zero disables quarantining.
func WithQuarantineSize(bytes uintptr) Option {
	return func(o *options) {
		o.quarantineSize = bytes
	}
}

// WithMallocContextSize sets how many stack frames are recorded for each
// allocation and free. Must be in [1, 64].
func WithMallocContextSize(frames int) Option {
	return func(o *options) {
		o.mallocContextSize = frames
	}
}

// WithMaxMallocFillSize caps how many leading bytes of a fresh allocation
// are filled with 0xbe. Zero disables the fill.
func WithMaxMallocFillSize(bytes uintptr) Option {
	return func(o *options) {
		o.maxMallocFillSize = bytes
	}
}

// WithFreeFillSize sets how many leading bytes of a freed chunk are filled
// with 0xde before the memory is poisoned. Zero (the default) disables the
// fill.
func WithFreeFillSize(bytes uintptr) Option {
	return func(o *options) {
		o.maxFreeFillSize = bytes
	}
}

// WithExitCode sets the process exit status used after an error report.
// Must be in [1, 255].
func WithExitCode(code int) Option {
	return func(o *options) {
		o.exitCode = code
	}
}

// WithSpaceSize sets the size of the checked application address range. The
// full reservation is larger: it also carries the shadow table (an eighth of
// this) and the protected gap. The value is rounded up to layout granularity.
func WithSpaceSize(bytes uintptr) Option {
	return func(o *options) {
		o.spaceSize = bytes
	}
}

// WithSizeClassMap replaces the size-class map of the primary allocator.
// Passing nil keeps the default map. Tests use sizeclass.Compact to keep
// the reservation small.
func WithSizeClassMap(m *sizeclass.Map) Option {
	return func(o *options) {
		if m == nil {
			m = sizeclass.Default
		}
		o.classes = m
	}
}

// WithUseFakeStack enables or disables the fake-stack frame pool behind
// use-after-return detection. Enabled by default; when disabled StackMalloc
// returns zero, callers fall back to their real frames, and the zone goes to
// the large-object allocator instead.
func WithUseFakeStack(enabled bool) Option {
	return func(o *options) {
		o.useFakeStack = enabled
	}
}

// WithAllowUserPoisoning gates the manual PoisonMemoryRegion API. Enabled by
// default; when disabled, manual poisoning calls are silent no-ops.
func WithAllowUserPoisoning(enabled bool) Option {
	return func(o *options) {
		o.allowUserPoisoning = enabled
	}
}

// WithLeakCheck makes Close run a leak check and log still-allocated chunks
// grouped by allocation stack.
func WithLeakCheck(enabled bool) Option {
	return func(o *options) {
		o.leakCheck = enabled
	}
}

// WithLogger configures structured logging for runtime events.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := memsan.NewJSONLogger(slog.LevelInfo)
//	rt, _ := memsan.New(memsan.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetrics configures a metrics collector for allocation and report
// counters. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memsan.BasicMetricsCollector{}
//	rt, _ := memsan.New(memsan.WithMetrics(metrics))
//	// ... use rt ...
//	stats := metrics.GetStats()
//	fmt.Printf("Mallocs: %d, live reports: %d\n", stats.MallocCount, stats.ReportCount)
func WithMetrics(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithEventLog enables the binary alloc/free event log in the given
// directory. The log is immutable after construction - it cannot be
// enabled or disabled at runtime.
//
// Example:
//
//	rt, _ := memsan.New(memsan.WithEventLog("./events", func(o *eventlog.Options) {
//	    o.Compress = false
//	}))
func WithEventLog(path string, optFns ...func(*eventlog.Options)) Option {
	return func(o *options) {
		o.eventLogPath = path
		o.eventLogOptions = optFns
	}
}

// WithReportSink persists finished error reports (and heap snapshots pushed
// with UploadHeapSnapshot) to the given sink before the process dies.
func WithReportSink(sink reportsink.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithResourceController sets the controller enforcing the commit budget and
// pacing uploads. The default controller tracks usage without limits.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.rc = rc
	}
}

// WithReportWriter redirects report text away from stderr.
func WithReportWriter(w io.Writer) Option {
	return func(o *options) {
		o.reportWriter = w
	}
}

// WithExitFunc substitutes the process-exit call made after a report.
// Primarily for tests and embedders that must not lose the process; the
// runtime still treats the report as fatal and panics if fn returns.
func WithExitFunc(fn func(code int)) Option {
	return func(o *options) {
		o.exitFunc = fn
	}
}

// FromEnv applies settings parsed from the MEMSAN_OPTIONS environment
// variable, overriding earlier options. The format is colon-separated
// key=value pairs:
//
//	MEMSAN_OPTIONS=redzone=256:quarantine_size_mb=64:leak_check=1
//
// Supported keys: redzone, quarantine_size_mb, malloc_context_size,
// max_malloc_fill_size, max_free_fill_size, exitcode, space_size_mb,
// use_fake_stack, allow_user_poisoning, leak_check, verbosity. A malformed
// or unknown pair makes New fail with ErrInvalidOptions.
func FromEnv() Option {
	return func(o *options) {
		if err := parseEnvOptions(os.Getenv("MEMSAN_OPTIONS"), o); err != nil && o.envErr == nil {
			o.envErr = err
		}
	}
}

func parseEnvOptions(s string, o *options) error {
	if s == "" {
		return nil
	}
	for _, pair := range strings.Split(s, ":") {
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return invalidOption("MEMSAN_OPTIONS", pair, "expected key=value")
		}
		if err := applyEnvOption(o, key, value); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOption(o *options, key, value string) error {
	num := func() (uint64, error) {
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, invalidOptionErr(key, value, err)
		}
		return n, nil
	}
	flag := func() (bool, error) {
		switch value {
		case "0", "false":
			return false, nil
		case "1", "true":
			return true, nil
		}
		return false, invalidOption(key, value, "expected 0 or 1")
	}

	switch key {
	case "redzone":
		n, err := num()
		if err != nil {
			return err
		}
		o.redzone = uintptr(n)
	case "quarantine_size_mb":
		n, err := num()
		if err != nil {
			return err
		}
		o.quarantineSize = uintptr(n) << 20
	case "malloc_context_size":
		n, err := num()
		if err != nil {
			return err
		}
		o.mallocContextSize = int(n)
	case "max_malloc_fill_size":
		n, err := num()
		if err != nil {
			return err
		}
		o.maxMallocFillSize = uintptr(n)
	case "max_free_fill_size":
		n, err := num()
		if err != nil {
			return err
		}
		o.maxFreeFillSize = uintptr(n)
	case "exitcode":
		n, err := num()
		if err != nil {
			return err
		}
		o.exitCode = int(n)
	case "space_size_mb":
		n, err := num()
		if err != nil {
			return err
		}
		o.spaceSize = uintptr(n) << 20
	case "use_fake_stack":
		b, err := flag()
		if err != nil {
			return err
		}
		o.useFakeStack = b
	case "allow_user_poisoning":
		b, err := flag()
		if err != nil {
			return err
		}
		o.allowUserPoisoning = b
	case "leak_check":
		b, err := flag()
		if err != nil {
			return err
		}
		o.leakCheck = b
	case "verbosity":
		n, err := num()
		if err != nil {
			return err
		}
		switch {
		case n == 0:
			o.logger = NoopLogger()
		case n == 1:
			o.logger = NewTextLogger(slog.LevelInfo)
		default:
			o.logger = NewTextLogger(slog.LevelDebug)
		}
	default:
		return invalidOption("MEMSAN_OPTIONS", key, "unknown option")
	}
	return nil
}

func applyOptions(optFns []Option) options {
	o := options{
		redzone:            DefaultRedzone,
		quarantineSize:     DefaultQuarantineSize,
		mallocContextSize:  DefaultMallocContextSize,
		maxMallocFillSize:  DefaultMaxMallocFillSize,
		maxFreeFillSize:    0,
		exitCode:           DefaultExitCode,
		spaceSize:          DefaultSpaceSize,
		classes:            sizeclass.Default,
		useFakeStack:       true,
		allowUserPoisoning: true,
		leakCheck:          false,
		logger:             NoopLogger(),
		metrics:            NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) validate() error {
	if o.envErr != nil {
		return o.envErr
	}
	if o.redzone < minRedzone || o.redzone > maxRedzone || o.redzone&(o.redzone-1) != 0 {
		return invalidOption("redzone", o.redzone, "must be a power of two in [32, 2048]")
	}
	if o.mallocContextSize < 1 || o.mallocContextSize > 64 {
		return invalidOption("malloc_context_size", o.mallocContextSize, "must be in [1, 64]")
	}
	if o.exitCode < 1 || o.exitCode > 255 {
		return invalidOption("exitcode", o.exitCode, "must be in [1, 255]")
	}
	if o.spaceSize < minSpaceSize {
		return invalidOption("space_size", o.spaceSize, "must be at least 128 MB")
	}
	return nil
}
