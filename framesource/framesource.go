package framesource

import (
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/e7canasta/orion-camnode/framesource/internal"
)

// Types are re-exported from the internal package.
// See internal/types.go and internal/config.go for full documentation.
type (
	Source              = internal.Source
	Handle              = internal.Handle
	Driver              = internal.Driver
	RawFrame            = internal.RawFrame
	Observer            = internal.Observer
	Stats               = internal.Stats
	Config              = internal.Config
	Pins                = internal.Pins
	PixelFormat         = internal.PixelFormat
	FrameSize           = internal.FrameSize
	GrabMode            = internal.GrabMode
	FrameBufferLocation = internal.FrameBufferLocation
)

const (
	PixelFormatRGB565    = internal.PixelFormatRGB565
	PixelFormatYUV422    = internal.PixelFormatYUV422
	PixelFormatYUV420    = internal.PixelFormatYUV420
	PixelFormatGrayscale = internal.PixelFormatGrayscale
	PixelFormatJPEG      = internal.PixelFormatJPEG
	PixelFormatRGB888    = internal.PixelFormatRGB888
	PixelFormatRaw       = internal.PixelFormatRaw
	PixelFormatRGB444    = internal.PixelFormatRGB444
	PixelFormatRGB555    = internal.PixelFormatRGB555
)

const (
	FrameSize96x96   = internal.FrameSize96x96
	FrameSizeQQVGA   = internal.FrameSizeQQVGA
	FrameSizeQCIF    = internal.FrameSizeQCIF
	FrameSizeHQVGA   = internal.FrameSizeHQVGA
	FrameSize240x240 = internal.FrameSize240x240
	FrameSizeQVGA    = internal.FrameSizeQVGA
	FrameSizeCIF     = internal.FrameSizeCIF
	FrameSizeHVGA    = internal.FrameSizeHVGA
	FrameSizeVGA     = internal.FrameSizeVGA
	FrameSizeSVGA    = internal.FrameSizeSVGA
	FrameSizeXGA     = internal.FrameSizeXGA
	FrameSizeHD      = internal.FrameSizeHD
	FrameSizeSXGA    = internal.FrameSizeSXGA
	FrameSizeUXGA    = internal.FrameSizeUXGA
)

const (
	GrabWhenEmpty = internal.GrabWhenEmpty
	GrabLatest    = internal.GrabLatest

	FrameBufferInPSRAM = internal.FrameBufferInPSRAM
	FrameBufferInDRAM  = internal.FrameBufferInDRAM
)

var (
	ErrHardwareInit       = internal.ErrHardwareInit
	ErrHardwareTeardown   = internal.ErrHardwareTeardown
	ErrFrameUnavailable   = internal.ErrFrameUnavailable
	ErrNoFrame            = internal.ErrNoFrame
	ErrAlreadyReleased    = internal.ErrAlreadyReleased
	ErrNotInitialized     = internal.ErrNotInitialized
	ErrAlreadyInitialized = internal.ErrAlreadyInitialized
	ErrHandlesOutstanding = internal.ErrHandlesOutstanding
)

var (
	ParsePixelFormat         = internal.ParsePixelFormat
	ParseFrameSize           = internal.ParseFrameSize
	ParseGrabMode            = internal.ParseGrabMode
	ParseFrameBufferLocation = internal.ParseFrameBufferLocation
)

// DefaultPins is the pin mapping of the reference ESP32-S3 camera board.
var DefaultPins = internal.DefaultPins

// DefaultConfig returns the reference camera configuration.
func DefaultConfig() Config {
	return internal.DefaultConfig()
}

type options struct {
	observer Observer
	logger   *slog.Logger
	clock    clock.PassiveClock
}

// Option configures a Source.
type Option func(*options)

// WithObserver installs pool event hooks (metrics).
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// WithClock overrides the clock used to measure how long handles are held.
func WithClock(c clock.PassiveClock) Option {
	return func(opts *options) { opts.clock = c }
}

// New creates an uninitialized Source over driver.
//
// Lifecycle:
//  1. src := framesource.New(driver)
//  2. src.Init(cfg)
//  3. h, _ := src.Acquire(ctx); ...; h.Release()
//  4. src.Deinit()
func New(driver Driver, opts ...Option) *Source {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return internal.NewSource(driver, o.observer, o.logger, o.clock)
}
