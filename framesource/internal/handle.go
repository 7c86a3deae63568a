package internal

import (
	"sync/atomic"
	"time"
)

// noCopy may be embedded in structs which must not be copied after first use.
// See https://golang.org/issues/8005#issuecomment-190753527 (go vet copylocks).
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle is exclusive, time-limited access to one frame buffer.
//
// Ownership contract:
//   - Obtained from Source.Acquire, passed by pointer only
//   - Data is a borrowed view into the driver buffer (zero-copy)
//   - Release returns the buffer exactly once; Data() is nil afterwards
//
// Thread-safety: Release is safe for concurrent calls (only the first takes effect).
// Reading Data concurrently with Release is the caller's bug.
type Handle struct {
	noCopy noCopy

	source     *Source
	frame      RawFrame
	acquiredAt time.Time
	released   atomic.Bool
}

// Data returns the frame bytes, or nil after Release.
func (h *Handle) Data() []byte {
	if h.released.Load() {
		return nil
	}
	return h.frame.Data
}

// Len returns the frame length in bytes (0 after Release).
func (h *Handle) Len() int {
	return len(h.Data())
}

func (h *Handle) Width() int { return h.frame.Width }

func (h *Handle) Height() int { return h.frame.Height }

// Timestamp is the hardware capture time in microseconds.
func (h *Handle) Timestamp() uint64 { return h.frame.Timestamp }

func (h *Handle) Format() PixelFormat { return h.frame.Format }

func (h *Handle) TraceID() string { return h.frame.TraceID }

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// Release hands the buffer back to the driver and frees the pool slot.
// A second call returns ErrAlreadyReleased and leaves the pool untouched.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	h.source.release(h)
	return nil
}
