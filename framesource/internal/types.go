// Package internal implements the frame source and its buffer pool.
//
// This package is INTERNAL - clients MUST use the public API in the parent package.
package internal

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHardwareInit is returned when the peripheral rejects the configuration.
	ErrHardwareInit = errors.New("framesource: hardware init failed")

	// ErrHardwareTeardown is returned when the peripheral does not acknowledge deinit.
	ErrHardwareTeardown = errors.New("framesource: hardware teardown failed")

	// ErrFrameUnavailable is returned by Acquire when the hardware produced no frame.
	ErrFrameUnavailable = errors.New("framesource: frame unavailable")

	// ErrNoFrame is what a Driver returns from Grab when the hardware has no frame ready.
	ErrNoFrame = errors.New("framesource: driver reported no frame")

	// ErrAlreadyReleased is returned by a second Release on the same handle.
	ErrAlreadyReleased = errors.New("framesource: handle already released")

	// ErrNotInitialized is returned by Acquire before Init or after Deinit.
	ErrNotInitialized = errors.New("framesource: not initialized")

	// ErrAlreadyInitialized is returned by Init when the source is already running.
	ErrAlreadyInitialized = errors.New("framesource: already initialized")

	// ErrHandlesOutstanding is returned by Deinit while handles are still held.
	ErrHandlesOutstanding = errors.New("framesource: handles outstanding")
)

// RawFrame is a driver-owned buffer view.
//
// Data is only valid until the frame is handed back with Driver.Return.
type RawFrame struct {
	// Data is the captured bitstream (JPEG) or pixel buffer.
	Data []byte

	// Width of the frame in pixels
	Width int

	// Height of the frame in pixels
	Height int

	// Timestamp is the capture time in microseconds on the hardware clock.
	// It repeats when the hardware has not completed a new frame since the last grab.
	Timestamp uint64

	// Format is the pixel format of Data.
	Format PixelFormat

	// TraceID identifies the capture for log correlation.
	TraceID string

	// Slot is driver bookkeeping (buffer index); opaque to callers.
	Slot int
}

// Driver is the camera peripheral capability wrapped by Source.
//
// Contract:
//   - Init is called at most once per Deinit cycle.
//   - Grab may block until the hardware produces a frame; it returns ErrNoFrame
//     when the hardware reports none. Implementations should honour ctx.
//   - Return is called exactly once per successful Grab.
//   - Deinit is only called with no frames outstanding.
type Driver interface {
	Init(cfg Config) error
	Grab(ctx context.Context) (RawFrame, error)
	Return(frame RawFrame)
	Deinit() error
}

// Observer receives pool events (metrics hooks).
type Observer interface {
	ObserveAcquire(outstanding int)
	ObserveRelease(outstanding int, held time.Duration)
	ObserveUnavailable()
}

type nopObserver struct{}

func (nopObserver) ObserveAcquire(int)                {}
func (nopObserver) ObserveRelease(int, time.Duration) {}
func (nopObserver) ObserveUnavailable()               {}

// Stats is a snapshot of pool state.
type Stats struct {
	// Capacity is the configured number of frame buffer slots.
	Capacity int `json:"capacity"`

	// Outstanding is the number of acquired-but-not-released handles.
	// Never exceeds Capacity.
	Outstanding int `json:"outstanding"`

	// Waiting is the number of callers blocked on a free slot.
	Waiting int `json:"waiting"`

	// Acquired is the lifetime count of successful acquisitions.
	Acquired uint64 `json:"acquired"`

	// Released is the lifetime count of releases.
	Released uint64 `json:"released"`

	// Unavailable is the lifetime count of acquisitions that got no frame.
	Unavailable uint64 `json:"unavailable"`

	// Initialized reports whether the peripheral is running.
	Initialized bool `json:"initialized"`
}
