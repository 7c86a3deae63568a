package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c2h5oh/datasize"
	"k8s.io/utils/clock"
)

// Source owns the camera peripheral and its bounded buffer pool.
//
// Pool model:
//   - capacity = Config.FrameBufferCount slots
//   - Acquire reserves a slot BEFORE calling Driver.Grab, so the number of
//     frames held by callers plus grabs in flight never exceeds capacity
//   - Release (via Handle) returns the buffer to the driver and the slot to the pool
//
// Thread-safety: all methods safe for concurrent use.
type Source struct {
	driver   Driver
	observer Observer
	logger   *slog.Logger
	clock    clock.PassiveClock

	// lifecycleMu serializes Init and Deinit (driver calls happen outside mu).
	lifecycleMu sync.Mutex

	// --- Pool state (protected by mu) ---

	mu          sync.Mutex
	cond        *sync.Cond // Signalled on release, broadcast on deinit and ctx cancel
	cfg         Config
	initialized bool
	outstanding int
	waiting     int

	acquired    uint64
	released    uint64
	unavailable uint64
}

// NewSource creates an uninitialized source (called by public New() in parent package).
// Nil observer, logger or clock fall back to no-op, slog.Default() and the real clock.
func NewSource(driver Driver, observer Observer, logger *slog.Logger, clk clock.PassiveClock) *Source {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Source{
		driver:   driver,
		observer: observer,
		logger:   logger,
		clock:    clk,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Init validates cfg and brings up the peripheral.
//
// Errors:
//   - ErrAlreadyInitialized if Init succeeded before without a Deinit
//   - ErrHardwareInit if validation or the driver rejects the configuration
func (s *Source) Init(cfg Config) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if initialized {
		return ErrAlreadyInitialized
	}

	if err := cfg.Validate(); err != nil {
		s.logger.Error("framesource: invalid configuration", "error", err)
		return err
	}

	if err := s.driver.Init(cfg); err != nil {
		s.logger.Error("framesource: driver init failed", "error", err)
		if errors.Is(err, ErrHardwareInit) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrHardwareInit, err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.initialized = true
	s.mu.Unlock()

	width, height := cfg.FrameSize.Dimensions()
	s.logger.Info("framesource: camera initialized",
		"format", cfg.PixelFormat.String(),
		"frame_size", cfg.FrameSize.String(),
		"width", width,
		"height", height,
		"buffers", cfg.FrameBufferCount,
		"location", cfg.FrameBufferLocation.String(),
		"pool_size", datasize.ByteSize(cfg.BufferBytes()*cfg.FrameBufferCount).HumanReadable(),
		"grab_mode", cfg.GrabMode.String(),
	)
	return nil
}

// Acquire waits for a free buffer slot, then grabs a frame from the driver.
//
// Algorithm:
//  1. Wait on cond while outstanding == capacity (ctx cancel wakes the wait)
//  2. Reserve the slot (outstanding++)
//  3. Driver.Grab outside the lock (bounded by AcquireTimeout when set)
//  4. On grab failure: give the slot back and return ErrFrameUnavailable
//
// ctx only aborts the slot wait and is handed to the driver; a caller that
// must not be interrupted mid-cycle passes context.WithoutCancel.
//
// Errors: ErrNotInitialized, ErrFrameUnavailable, or ctx.Err() from the wait.
func (s *Source) Acquire(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}

	if s.outstanding >= s.cfg.FrameBufferCount {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})

		s.waiting++
		for s.initialized && s.outstanding >= s.cfg.FrameBufferCount && ctx.Err() == nil {
			s.cond.Wait()
		}
		s.waiting--
		stop()

		if !s.initialized {
			s.mu.Unlock()
			return nil, ErrNotInitialized
		}
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	s.outstanding++
	timeout := s.cfg.AcquireTimeout
	s.mu.Unlock()

	grabCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		grabCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := s.driver.Grab(grabCtx)
	if err != nil {
		s.mu.Lock()
		s.outstanding--
		s.unavailable++
		s.cond.Signal()
		s.mu.Unlock()

		s.observer.ObserveUnavailable()
		s.logger.Warn("framesource: frame unavailable", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrFrameUnavailable, err)
	}

	s.mu.Lock()
	s.acquired++
	outstanding := s.outstanding
	s.mu.Unlock()

	s.observer.ObserveAcquire(outstanding)
	s.logger.Debug("framesource: frame acquired",
		"trace_id", raw.TraceID,
		"timestamp_us", raw.Timestamp,
		"len", len(raw.Data),
		"outstanding", outstanding,
	)

	return &Handle{
		source:     s,
		frame:      raw,
		acquiredAt: s.clock.Now(),
	}, nil
}

// release is called exactly once per handle (guarded by Handle.released).
func (s *Source) release(h *Handle) {
	s.driver.Return(h.frame)

	s.mu.Lock()
	s.outstanding--
	s.released++
	outstanding := s.outstanding
	s.cond.Signal()
	s.mu.Unlock()

	held := s.clock.Since(h.acquiredAt)
	s.observer.ObserveRelease(outstanding, held)
	s.logger.Debug("framesource: frame released",
		"trace_id", h.frame.TraceID,
		"outstanding", outstanding,
		"held", held,
	)
}

// Deinit tears down the peripheral.
//
// Behavior:
//   - No-op when not initialized
//   - Refuses with ErrHandlesOutstanding while any handle is held (or grab in
//     flight); Acquire callers only park while a handle is held, so a refused
//     Deinit leaves them parked until a Release wakes them
//   - Broadcasts on success so an Acquire that has not yet re-checked the pool
//     returns ErrNotInitialized
//   - Driver failure returns ErrHardwareTeardown; the source stays deinitialized
func (s *Source) Deinit() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	if s.outstanding > 0 {
		n := s.outstanding
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrHandlesOutstanding, n)
	}
	s.initialized = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if err := s.driver.Deinit(); err != nil {
		s.logger.Error("framesource: camera deinit failed", "error", err)
		if errors.Is(err, ErrHardwareTeardown) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrHardwareTeardown, err)
	}

	s.logger.Info("framesource: camera deinitialized")
	return nil
}

// Config returns the configuration passed to the last successful Init.
func (s *Source) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Stats returns a snapshot of pool state.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := 0
	if s.initialized {
		capacity = s.cfg.FrameBufferCount
	}
	return Stats{
		Capacity:    capacity,
		Outstanding: s.outstanding,
		Waiting:     s.waiting,
		Acquired:    s.acquired,
		Released:    s.released,
		Unavailable: s.unavailable,
		Initialized: s.initialized,
	}
}
