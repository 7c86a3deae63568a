// Package observability exposes Prometheus metrics for the camera node.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-camnode/throughput"
)

// Recorder implements the framesource.Observer, throughput.Recorder and
// snapshot.Recorder hooks on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	acquisitions  prometheus.Counter
	releases      prometheus.Counter
	unavailable   prometheus.Counter
	outstanding   prometheus.Gauge
	holdSeconds   prometheus.Histogram
	frames        prometheus.Counter
	frameBytes    prometheus.Counter
	skipped       prometheus.Counter
	decodeErrors  prometheus.Counter
	reports       prometheus.Counter
	reportRate    prometheus.Gauge
	reportAvgSize prometheus.Gauge
	snapshots     *prometheus.CounterVec
	snapshotBytes prometheus.Counter
}

// NewRecorder constructs a recorder and registers its collectors.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}
	factory := promauto.With(r.registry)

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r.acquisitions = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_frame_acquisitions_total",
		Help: "Frames successfully acquired from the buffer pool",
	})
	r.releases = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_frame_releases_total",
		Help: "Frame buffers returned to the pool",
	})
	r.unavailable = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_frame_unavailable_total",
		Help: "Acquisitions where the camera produced no frame",
	})
	r.outstanding = factory.NewGauge(prometheus.GaugeOpts{
		Name: "camnode_frame_handles_outstanding",
		Help: "Frame handles currently held by callers",
	})
	r.holdSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "camnode_frame_hold_seconds",
		Help:    "Time a frame buffer is held between acquire and release",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
	r.frames = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_monitor_frames_total",
		Help: "Distinct frames counted by the throughput monitor",
	})
	r.frameBytes = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_monitor_frame_bytes_total",
		Help: "Bytes of distinct frames counted by the throughput monitor",
	})
	r.skipped = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_monitor_skipped_total",
		Help: "Acquisitions that repeated the previous capture timestamp",
	})
	r.decodeErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_monitor_decode_errors_total",
		Help: "Frames that failed to decode",
	})
	r.reports = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_monitor_reports_total",
		Help: "Throughput reports emitted",
	})
	r.reportRate = factory.NewGauge(prometheus.GaugeOpts{
		Name: "camnode_monitor_frame_rate",
		Help: "Frame rate of the last throughput report",
	})
	r.reportAvgSize = factory.NewGauge(prometheus.GaugeOpts{
		Name: "camnode_monitor_frame_avg_bytes",
		Help: "Average frame size of the last throughput report",
	})
	r.snapshots = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "camnode_snapshot_responses_total",
		Help: "Snapshot responses by HTTP status code",
	}, []string{"code"})
	r.snapshotBytes = factory.NewCounter(prometheus.CounterOpts{
		Name: "camnode_snapshot_bytes_total",
		Help: "Frame bytes written by the snapshot endpoint",
	})
	return r
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveAcquire records a successful acquisition.
func (r *Recorder) ObserveAcquire(outstanding int) {
	r.acquisitions.Inc()
	r.outstanding.Set(float64(outstanding))
}

// ObserveRelease records a release and how long the buffer was held.
func (r *Recorder) ObserveRelease(outstanding int, held time.Duration) {
	r.releases.Inc()
	r.outstanding.Set(float64(outstanding))
	r.holdSeconds.Observe(held.Seconds())
}

func (r *Recorder) ObserveUnavailable() {
	r.unavailable.Inc()
}

func (r *Recorder) ObserveFrame(length int) {
	r.frames.Inc()
	r.frameBytes.Add(float64(length))
}

func (r *Recorder) ObserveSkipped() {
	r.skipped.Inc()
}

func (r *Recorder) ObserveDecodeError() {
	r.decodeErrors.Inc()
}

// ObserveReport records an emitted throughput report.
func (r *Recorder) ObserveReport(rep throughput.Report) {
	r.reports.Inc()
	r.reportRate.Set(rep.Rate)
	r.reportAvgSize.Set(float64(rep.AvgSize))
}

// ObserveSnapshot records one snapshot response.
func (r *Recorder) ObserveSnapshot(code int, bytes int) {
	r.snapshots.WithLabelValues(strconv.Itoa(code)).Inc()
	if bytes > 0 {
		r.snapshotBytes.Add(float64(bytes))
	}
}
