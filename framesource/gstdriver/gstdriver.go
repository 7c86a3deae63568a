// Package gstdriver captures frames from a V4L2 camera through GStreamer.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter → [jpegenc] → appsink
//
// Requires the gstreamer1.0 runtime (base + good plugins).
package gstdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-camnode/framesource"
)

// pollIntervalNs bounds each appsink pull (nanoseconds) so Grab notices ctx cancellation.
const pollIntervalNs = 50_000_000

// Options configures the GStreamer driver.
type Options struct {
	// Device is the V4L2 device node (default /dev/video0).
	Device string
	Logger *slog.Logger
}

// Driver implements framesource.Driver on a GStreamer appsink.
type Driver struct {
	opts Options

	mu       sync.Mutex
	cfg      framesource.Config
	pipeline *gst.Pipeline
	sink     *app.Sink
	started  time.Time
	inUse    int
}

// New creates a driver; the pipeline is built by Init.
func New(opts Options) *Driver {
	if opts.Device == "" {
		opts.Device = "/dev/video0"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{opts: opts}
}

// rawFormats maps uncompressed pixel formats onto GStreamer video/x-raw formats.
var rawFormats = map[framesource.PixelFormat]string{
	framesource.PixelFormatRGB565:    "RGB16",
	framesource.PixelFormatRGB555:    "RGB15",
	framesource.PixelFormatRGB888:    "RGB",
	framesource.PixelFormatYUV422:    "YUY2",
	framesource.PixelFormatYUV420:    "I420",
	framesource.PixelFormatGrayscale: "GRAY8",
	framesource.PixelFormatRaw:       "GRAY8",
}

// Init builds the pipeline and sets it PLAYING.
func (d *Driver) Init(cfg framesource.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gst.Init(nil)

	pipeline, sink, err := d.buildPipeline(cfg)
	if err != nil {
		return err
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("gstdriver: failed to start pipeline: %w", err)
	}

	d.cfg = cfg
	d.pipeline = pipeline
	d.sink = sink
	d.started = time.Now()
	d.inUse = 0

	width, height := cfg.FrameSize.Dimensions()
	d.opts.Logger.Info("gstdriver: pipeline playing",
		"device", d.opts.Device,
		"width", width,
		"height", height,
		"format", cfg.PixelFormat.String(),
		"grab_mode", cfg.GrabMode.String(),
		"max_buffers", cfg.FrameBufferCount,
	)
	return nil
}

func (d *Driver) buildPipeline(cfg framesource.Config) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", d.opts.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to create videoconvert: %w", err)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	switch cfg.GrabMode {
	case framesource.GrabLatest:
		sink.SetProperty("max-buffers", uint(1))
		sink.SetProperty("drop", true)
	default:
		sink.SetProperty("max-buffers", uint(cfg.FrameBufferCount))
		sink.SetProperty("drop", false)
	}

	elements := []*gst.Element{src, converter, scaler, capsfilter}
	if cfg.PixelFormat == framesource.PixelFormatJPEG {
		encoder, err := gst.NewElement("jpegenc")
		if err != nil {
			return nil, nil, fmt.Errorf("gstdriver: failed to create jpegenc: %w", err)
		}
		encoder.SetProperty("quality", cfg.EncoderQuality())
		elements = append(elements, encoder)
	}
	elements = append(elements, sink.Element)

	if err := pipeline.AddMany(elements...); err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, nil, fmt.Errorf("gstdriver: failed to link elements: %w", err)
	}

	return pipeline, sink, nil
}

// buildCaps returns the capsfilter caps for cfg.
func buildCaps(cfg framesource.Config) string {
	width, height := cfg.FrameSize.Dimensions()
	format, ok := rawFormats[cfg.PixelFormat]
	if !ok {
		// JPEG: jpegenc accepts I420 without another conversion.
		format = "I420"
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", format, width, height)
}

// Grab pulls the next sample from the appsink.
//
// The buffer is copied (GStreamer reuses it) and its PTS in µs becomes the
// hardware timestamp (see frameTimestamp for buffers without one). A pipeline
// error or EOS reports framesource.ErrNoFrame.
func (d *Driver) Grab(ctx context.Context) (framesource.RawFrame, error) {
	d.mu.Lock()
	sink, pipeline, cfg, started := d.sink, d.pipeline, d.cfg, d.started
	d.mu.Unlock()

	if sink == nil {
		return framesource.RawFrame{}, fmt.Errorf("gstdriver: pipeline not running")
	}

	for {
		if err := ctx.Err(); err != nil {
			return framesource.RawFrame{}, err
		}

		sample := sink.TryPullSample(pollIntervalNs)
		if sample == nil {
			if sink.IsEOS() {
				return framesource.RawFrame{}, fmt.Errorf("%w: end of stream", framesource.ErrNoFrame)
			}
			if err := pipelineError(pipeline); err != nil {
				return framesource.RawFrame{}, fmt.Errorf("%w: %w", framesource.ErrNoFrame, err)
			}
			continue
		}

		buffer := sample.GetBuffer()
		if buffer == nil {
			d.opts.Logger.Warn("gstdriver: sample without buffer, skipping")
			continue
		}

		mapInfo := buffer.Map(gst.MapRead)
		data := mapInfo.Bytes()
		if len(data) == 0 {
			buffer.Unmap()
			d.opts.Logger.Warn("gstdriver: empty buffer received")
			continue
		}
		frameData := make([]byte, len(data))
		copy(frameData, data)
		buffer.Unmap()

		d.mu.Lock()
		d.inUse++
		d.mu.Unlock()

		width, height := cfg.FrameSize.Dimensions()
		return framesource.RawFrame{
			Data:      frameData,
			Width:     width,
			Height:    height,
			Timestamp: frameTimestamp(int64(buffer.PresentationTimestamp()), time.Since(started)),
			Format:    cfg.PixelFormat,
			TraceID:   uuid.New().String(),
		}, nil
	}
}

// frameTimestamp converts a buffer PTS in nanoseconds to µs. A buffer without
// a PTS (GST_CLOCK_TIME_NONE, negative as int64) is stamped with the time
// since the pipeline started.
func frameTimestamp(ptsNs int64, sinceStart time.Duration) uint64 {
	if ptsNs < 0 {
		return uint64(sinceStart / time.Microsecond)
	}
	return uint64(ptsNs) / 1000
}

// pipelineError drains one pending bus message and reports it when it is an error.
func pipelineError(pipeline *gst.Pipeline) error {
	msg := pipeline.GetPipelineBus().TimedPop(0)
	if msg == nil || msg.Type() != gst.MessageError {
		return nil
	}
	gerr := msg.ParseError()
	return fmt.Errorf("gstdriver: pipeline error: %s", gerr.Error())
}

func (d *Driver) Return(framesource.RawFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse > 0 {
		d.inUse--
	}
}

// Deinit sets the pipeline to NULL and releases it.
func (d *Driver) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pipeline == nil {
		return nil
	}
	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline = nil
	d.sink = nil
	if err != nil {
		return fmt.Errorf("gstdriver: failed to set pipeline to NULL: %w", err)
	}

	d.opts.Logger.Info("gstdriver: pipeline stopped", "device", d.opts.Device)
	return nil
}
