// Package sim is a simulated camera driver.
//
// Frames complete at a fixed rate measured against a k8s.io/utils/clock
// clock, so tests drive it deterministically with a fake clock. JPEG frames
// are real bitstreams encoded with disintegration/imaging.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/e7canasta/orion-camnode/framesource"
)

// Options configures the simulated camera.
type Options struct {
	// FPS is the rate at which frames complete (default 25).
	FPS float64

	// StartTimestamp is the hardware clock value (µs) at Init.
	// The first frame is stamped StartTimestamp + one frame period.
	StartTimestamp uint64

	// Clock drives frame completion (default real clock).
	Clock clock.Clock

	// Fault injection.
	FailInit         error
	FailDeinit       error
	UnavailableEvery int // every Nth grab reports no frame (0 = never)

	Logger *slog.Logger
}

// Driver implements framesource.Driver.
type Driver struct {
	opts   Options
	period time.Duration

	mu        sync.Mutex
	cfg       framesource.Config
	running   bool
	epoch     time.Time
	lastIndex uint64
	grabs     int
	inUse     int
	cache     frameCache
}

type frameCache struct {
	index uint64
	data  []byte
}

// New creates a simulated camera. Zero-valued options get defaults.
func New(opts Options) *Driver {
	if opts.FPS <= 0 {
		opts.FPS = 25
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		opts:   opts,
		period: time.Duration(float64(time.Second) / opts.FPS),
	}
}

// Period returns the frame period.
func (d *Driver) Period() time.Duration {
	return d.period
}

func (d *Driver) Init(cfg framesource.Config) error {
	if d.opts.FailInit != nil {
		return d.opts.FailInit
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = cfg
	d.running = true
	d.epoch = d.opts.Clock.Now()
	d.lastIndex = 0
	d.grabs = 0
	d.inUse = 0
	d.cache = frameCache{}

	d.opts.Logger.Info("sim: camera started",
		"fps", d.opts.FPS,
		"frame_size", cfg.FrameSize.String(),
		"format", cfg.PixelFormat.String(),
		"grab_mode", cfg.GrabMode.String(),
	)
	return nil
}

// Grab returns a completed frame.
//
// GrabLatest: the newest completed frame; polling faster than the frame
// period returns the same frame (same timestamp) again.
// GrabWhenEmpty: the frame after the last one handed out, in capture order;
// concurrent grabs each get a distinct frame.
// Either mode waits for the frame to complete when it has not yet.
func (d *Driver) Grab(ctx context.Context) (framesource.RawFrame, error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return framesource.RawFrame{}, fmt.Errorf("sim: camera not running")
	}
	if d.inUse >= d.cfg.FrameBufferCount {
		d.mu.Unlock()
		return framesource.RawFrame{}, framesource.ErrNoFrame
	}

	d.grabs++
	if n := d.opts.UnavailableEvery; n > 0 && d.grabs%n == 0 {
		d.mu.Unlock()
		return framesource.RawFrame{}, framesource.ErrNoFrame
	}

	want := d.lastIndex + 1
	if d.cfg.GrabMode == framesource.GrabLatest {
		if completed := d.completedLocked(); completed > 0 {
			want = completed
		}
	} else {
		// Reserve the frame so concurrent grabs get consecutive frames. A grab
		// abandoned during the wait drops its frame, as a FIFO would.
		d.lastIndex = want
	}
	wait := d.epoch.Add(time.Duration(want) * d.period).Sub(d.opts.Clock.Now())
	d.mu.Unlock()

	if wait > 0 {
		select {
		case <-d.opts.Clock.After(wait):
		case <-ctx.Done():
			return framesource.RawFrame{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return framesource.RawFrame{}, fmt.Errorf("sim: camera stopped during grab")
	}

	data, err := d.frameLocked(want)
	if err != nil {
		return framesource.RawFrame{}, err
	}
	if want > d.lastIndex {
		d.lastIndex = want
	}
	d.inUse++

	width, height := d.cfg.FrameSize.Dimensions()
	return framesource.RawFrame{
		Data:      data,
		Width:     width,
		Height:    height,
		Timestamp: d.opts.StartTimestamp + want*uint64(d.period/time.Microsecond),
		Format:    d.cfg.PixelFormat,
		TraceID:   uuid.New().String(),
		Slot:      int(want % uint64(d.cfg.FrameBufferCount)),
	}, nil
}

func (d *Driver) completedLocked() uint64 {
	elapsed := d.opts.Clock.Since(d.epoch)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / d.period)
}

// frameLocked renders frame index (cached: grab-latest repeats are free).
func (d *Driver) frameLocked(index uint64) ([]byte, error) {
	if d.cache.data != nil && d.cache.index == index {
		return d.cache.data, nil
	}

	width, height := d.cfg.FrameSize.Dimensions()
	var data []byte
	if d.cfg.PixelFormat == framesource.PixelFormatJPEG {
		var buf bytes.Buffer
		img := render(width, height, index)
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(d.cfg.EncoderQuality())); err != nil {
			return nil, fmt.Errorf("sim: encode frame %d: %w", index, err)
		}
		data = buf.Bytes()
	} else {
		data = bytes.Repeat([]byte{byte(index)}, d.cfg.BufferBytes())
	}

	d.cache = frameCache{index: index, data: data}
	return data, nil
}

// render draws a square that moves one step per frame.
func render(width, height int, index uint64) *image.NRGBA {
	bg := imaging.New(width, height, color.NRGBA{R: 24, G: 24, B: 32, A: 255})
	sw, sh := max(width/4, 1), max(height/4, 1)
	square := imaging.New(sw, sh, color.NRGBA{R: uint8(index * 37), G: 200, B: 80, A: 255})

	x := int(index*7) % max(width-sw, 1)
	y := int(index*3) % max(height-sh, 1)
	return imaging.Paste(bg, square, image.Pt(x, y))
}

func (d *Driver) Return(frame framesource.RawFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inUse > 0 {
		d.inUse--
	}
}

func (d *Driver) Deinit() error {
	d.mu.Lock()
	d.running = false
	d.cache = frameCache{}
	d.mu.Unlock()

	if d.opts.FailDeinit != nil {
		return d.opts.FailDeinit
	}
	d.opts.Logger.Info("sim: camera stopped")
	return nil
}
