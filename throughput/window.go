package throughput

import (
	"fmt"
	"time"
)

// DefaultReportInterval is the window length between reports.
const DefaultReportInterval = 5 * time.Second

// Report summarizes one throughput window.
type Report struct {
	// Timestamp is the capture timestamp (µs) that closed the window.
	Timestamp uint64 `json:"timestamp_us" msgpack:"timestamp_us"`

	// Window is dt: microseconds since the previous report.
	Window uint64 `json:"window_us" msgpack:"window_us"`

	Frames  int `json:"frames" msgpack:"frames"`
	Skipped int `json:"skipped" msgpack:"skipped"`

	// AvgInterval is Window / Frames in µs (0 when Frames == 0).
	AvgInterval uint64 `json:"avg_interval_us" msgpack:"avg_interval_us"`

	// Rate is the implied frame rate, 1e6 / AvgInterval (0 when AvgInterval == 0).
	Rate float64 `json:"rate_fps" msgpack:"rate_fps"`

	AvgSize int `json:"avg_size" msgpack:"avg_size"`
	MaxSize int `json:"max_size" msgpack:"max_size"`
}

// String renders the fixed report line.
func (r Report) String() string {
	return fmt.Sprintf("skipped %d count %d dt %d (avg %d us, fr %.2f, len avg %d max %d)",
		r.Skipped, r.Frames, r.Window, r.AvgInterval, r.Rate, r.AvgSize, r.MaxSize)
}

// Window accumulates frame statistics between reports.
//
// Thread-safety: NOT safe for concurrent use; confined to the monitor goroutine.
type Window struct {
	// Interval is the report threshold in µs.
	Interval uint64

	WindowStart  uint64
	FrameCount   int
	ByteSum      int
	ByteMax      int
	SkippedCount int

	previous uint64
}

// NewWindow creates a window that reports every interval.
func NewWindow(interval time.Duration) *Window {
	return &Window{Interval: uint64(interval / time.Microsecond)}
}

// Duplicate reports whether timestamp repeats the previously counted frame.
// The baseline starts at 0, so a first frame stamped 0 is a duplicate.
func (w *Window) Duplicate(timestamp uint64) bool {
	return timestamp == w.previous
}

// Observe accounts one acquired frame.
//
// Algorithm:
//  1. Repeated timestamp: SkippedCount++, nothing else changes, no report
//  2. Otherwise: previous = t, ByteSum += length, ByteMax = max, FrameCount++
//  3. dt = t - WindowStart; dt >= Interval emits a report and resets the
//     accumulators with WindowStart = t
//
// A timestamp below WindowStart (hardware clock restarted) rebases the window
// without reporting.
func (w *Window) Observe(timestamp uint64, length int) (Report, bool) {
	if w.Duplicate(timestamp) {
		w.SkippedCount++
		return Report{}, false
	}

	w.previous = timestamp
	w.ByteSum += length
	if length > w.ByteMax {
		w.ByteMax = length
	}
	w.FrameCount++

	if timestamp < w.WindowStart {
		w.WindowStart = timestamp
		return Report{}, false
	}

	dt := timestamp - w.WindowStart
	if dt < w.Interval {
		return Report{}, false
	}

	r := w.report(timestamp, dt)
	w.reset(timestamp)
	return r, true
}

func (w *Window) report(timestamp, dt uint64) Report {
	r := Report{
		Timestamp: timestamp,
		Window:    dt,
		Frames:    w.FrameCount,
		Skipped:   w.SkippedCount,
		MaxSize:   w.ByteMax,
	}
	if w.FrameCount > 0 {
		r.AvgInterval = dt / uint64(w.FrameCount)
		r.AvgSize = w.ByteSum / w.FrameCount
	}
	if r.AvgInterval > 0 {
		r.Rate = 1e6 / float64(r.AvgInterval)
	}
	return r
}

func (w *Window) reset(timestamp uint64) {
	w.FrameCount = 0
	w.ByteSum = 0
	w.ByteMax = 0
	w.SkippedCount = 0
	w.WindowStart = timestamp
}
