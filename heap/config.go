// ABOUTME: Heap configuration from functional options and the OILPANDEBUG environment variable
// ABOUTME: OILPANDEBUG takes comma separated key=value pairs such as gctrace=1,zap=1

package heap

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type options struct {
	logger      *slog.Logger
	gctrace     bool
	zap         bool
	checkThread bool

	// GC is requested once object space has grown past gcGrowth times the
	// space left after the previous collection and at least minGCPages page
	// payloads are in use. Past forceGrowth the allocating thread collects
	// conservatively on the spot.
	gcGrowth    float64
	forceGrowth float64
	minGCPages  int
}

// Option configures a Heap at Init.
type Option func(*options)

// WithLogger routes GC trace records to l. Tracing still needs gctrace to be
// enabled, either through WithGCTrace or OILPANDEBUG.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithGCTrace(enabled bool) Option {
	return func(o *options) { o.gctrace = enabled }
}

// WithDebug fills freed memory with recognisable patterns so use after free
// shows up quickly.
func WithDebug(zap bool) Option {
	return func(o *options) { o.zap = zap }
}

// WithThreadChecks toggles the OS thread identity check on thread-affine
// operations.
func WithThreadChecks(enabled bool) Option {
	return func(o *options) { o.checkThread = enabled }
}

// WithGCThresholds overrides the collection heuristics. Non-positive values
// keep the defaults.
func WithGCThresholds(gcGrowth, forceGrowth float64, minPages int) Option {
	return func(o *options) {
		if gcGrowth > 0 {
			o.gcGrowth = gcGrowth
		}
		if forceGrowth > 0 {
			o.forceGrowth = forceGrowth
		}
		if minPages > 0 {
			o.minGCPages = minPages
		}
	}
}

func defaultOptions() options {
	return options{
		checkThread: true,
		gcGrowth:    1.5,
		forceGrowth: 2,
		minGCPages:  2,
	}
}

func newOptions(opts []Option) options {
	o := defaultOptions()
	parseDebugVars(&o, os.Getenv("OILPANDEBUG"))
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		if o.gctrace {
			o.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
		} else {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
	return o
}

// parseDebugVars applies a GODEBUG style setting string. Unknown keys and
// malformed values are ignored.
func parseDebugVars(o *options, s string) {
	for _, field := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case "gctrace":
			o.gctrace = n != 0
		case "zap":
			o.zap = n != 0
		case "checkthread":
			o.checkThread = n != 0
		}
	}
}
