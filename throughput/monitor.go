// Package throughput measures frame throughput over acquire/decode/release
// cycles and emits windowed reports.
package throughput

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-camnode/decode"
	"github.com/e7canasta/orion-camnode/framesource"
)

// FrameAcquirer is the part of framesource.Source the monitor needs.
type FrameAcquirer interface {
	Acquire(ctx context.Context) (*framesource.Handle, error)
}

// Recorder receives monitor events (metrics hooks).
type Recorder interface {
	ObserveFrame(length int)
	ObserveSkipped()
	ObserveDecodeError()
	ObserveReport(r Report)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFrame(int)     {}
func (nopRecorder) ObserveSkipped()      {}
func (nopRecorder) ObserveDecodeError()  {}
func (nopRecorder) ObserveReport(Report) {}

// Options configures a Monitor.
type Options struct {
	// Cycles bounds the run; 0 runs until ctx is cancelled or a frame is unavailable.
	Cycles int

	// ReportInterval is the window length (default DefaultReportInterval).
	ReportInterval time.Duration

	// Decoder is applied to every frame (default decode.Nop).
	Decoder decode.Decoder

	// Reporters receive each report (default LogReporter).
	Reporters []Reporter

	Recorder Recorder
	Logger   *slog.Logger
}

// Stats is a snapshot of lifetime monitor totals.
type Stats struct {
	Cycles       uint64  `json:"cycles"`
	Frames       uint64  `json:"frames"`
	Skipped      uint64  `json:"skipped"`
	Bytes        uint64  `json:"bytes"`
	Reports      uint64  `json:"reports"`
	DecodeErrors uint64  `json:"decode_errors"`
	LastReport   *Report `json:"last_report,omitempty"`
	Running      bool    `json:"running"`
}

// Monitor runs acquire/decode/release cycles against a frame source.
//
// Goroutine topology: Run executes on the caller's goroutine; the Window is
// confined to it. Stats is safe from any goroutine.
type Monitor struct {
	source   FrameAcquirer
	window   *Window
	decoder  decode.Decoder
	reporter Reporter
	recorder Recorder
	logger   *slog.Logger
	cycles   int

	running atomic.Bool

	statCycles       atomic.Uint64
	statFrames       atomic.Uint64
	statSkipped      atomic.Uint64
	statBytes        atomic.Uint64
	statReports      atomic.Uint64
	statDecodeErrors atomic.Uint64

	lastMu     sync.Mutex
	lastReport *Report
}

// NewMonitor creates a monitor over source.
func NewMonitor(source FrameAcquirer, opts Options) *Monitor {
	if opts.ReportInterval < 0 {
		opts.ReportInterval = 0
	} else if opts.ReportInterval == 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	if opts.Decoder == nil {
		opts.Decoder = decode.Nop
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	var reporter Reporter
	switch len(opts.Reporters) {
	case 0:
		reporter = LogReporter{Logger: opts.Logger}
	case 1:
		reporter = opts.Reporters[0]
	default:
		reporter = MultiReporter(opts.Reporters)
	}

	return &Monitor{
		source:   source,
		window:   NewWindow(opts.ReportInterval),
		decoder:  opts.Decoder,
		reporter: reporter,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		cycles:   opts.Cycles,
	}
}

// Run executes cycles until the cycle budget is spent, ctx is cancelled, or
// a frame is unavailable.
//
// Cancellation is checked only between cycles; Acquire gets a context
// without cancellation so no cycle stops between acquire and release.
//
// Returns nil on budget exhaustion or cancellation, the wrapped
// framesource.ErrFrameUnavailable (or other acquire error) otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("throughput: monitor already running")
	}
	defer m.running.Store(false)

	m.logger.Info("throughput: monitor started",
		"cycles", m.cycles,
		"report_interval_us", m.window.Interval,
	)

	for n := 1; m.cycles == 0 || n <= m.cycles; n++ {
		if err := ctx.Err(); err != nil {
			m.logger.Info("throughput: monitor cancelled", "cycles_run", n-1)
			return nil
		}

		report, emit, err := m.cycle(ctx, n)
		if err != nil {
			m.logger.Error("throughput: monitor stopped", "cycle", n, "error", err)
			return err
		}
		if emit {
			m.emit(ctx, report)
		}
	}

	m.logger.Info("throughput: monitor finished", "cycles", m.cycles)
	return nil
}

// cycle is one acquire/decode/observe/release pass. Release is deferred so
// it runs on every path.
func (m *Monitor) cycle(ctx context.Context, n int) (Report, bool, error) {
	h, err := m.source.Acquire(context.WithoutCancel(ctx))
	if err != nil {
		return Report{}, false, fmt.Errorf("throughput: cycle %d: %w", n, err)
	}
	defer func() {
		if err := h.Release(); err != nil {
			m.logger.Error("throughput: release failed", "cycle", n, "error", err)
		}
	}()

	m.statCycles.Add(1)

	if err := m.decoder.Decode(h.Data()); err != nil {
		m.statDecodeErrors.Add(1)
		m.recorder.ObserveDecodeError()
		m.logger.Warn("throughput: decode failed",
			"cycle", n,
			"trace_id", h.TraceID(),
			"error", err,
		)
	}

	timestamp, length := h.Timestamp(), h.Len()
	if m.window.Duplicate(timestamp) {
		m.statSkipped.Add(1)
		m.recorder.ObserveSkipped()
	} else {
		m.statFrames.Add(1)
		m.statBytes.Add(uint64(length))
		m.recorder.ObserveFrame(length)
	}

	report, emit := m.window.Observe(timestamp, length)
	return report, emit, nil
}

func (m *Monitor) emit(ctx context.Context, r Report) {
	m.statReports.Add(1)
	m.recorder.ObserveReport(r)

	m.lastMu.Lock()
	m.lastReport = &r
	m.lastMu.Unlock()

	if err := m.reporter.Report(ctx, r); err != nil {
		m.logger.Warn("throughput: report sink failed", "error", err)
	}
}

// Stats returns lifetime totals.
func (m *Monitor) Stats() Stats {
	m.lastMu.Lock()
	var last *Report
	if m.lastReport != nil {
		r := *m.lastReport
		last = &r
	}
	m.lastMu.Unlock()

	return Stats{
		Cycles:       m.statCycles.Load(),
		Frames:       m.statFrames.Load(),
		Skipped:      m.statSkipped.Load(),
		Bytes:        m.statBytes.Load(),
		Reports:      m.statReports.Load(),
		DecodeErrors: m.statDecodeErrors.Load(),
		LastReport:   last,
		Running:      m.running.Load(),
	}
}
