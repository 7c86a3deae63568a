// Package framesource owns the camera peripheral and the bounded pool of
// hardware frame buffers it captures into.
//
// # Ownership Model
//
// The peripheral is configured with a fixed number of frame buffers
// (Config.FrameBufferCount). Every frame handed out is a Handle: exclusive,
// time-limited access to one of those buffers. A Handle is released exactly
// once, after which the buffer goes back to the driver.
//
//	Driver (hardware buffers)  →  Source (pool, capacity N)  →  Handle (borrowed view)
//	    Grab / Return               Acquire / Deinit              Data / Release
//
// The pool never hands out more than N handles. Acquire blocks while all N are
// held and wakes when one is released, when ctx is cancelled, or when the
// source is deinitialized.
//
// # Basic Usage
//
//	src := framesource.New(sim.New(sim.Options{FPS: 25}))
//	if err := src.Init(framesource.DefaultConfig()); err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Deinit()
//
//	h, err := src.Acquire(ctx)
//	if err != nil {
//	    // errors.Is(err, framesource.ErrFrameUnavailable)
//	    return err
//	}
//	defer h.Release()
//	process(h.Data(), h.Timestamp())
//
// # Drivers
//
//   - framesource/sim: simulated camera (clock-driven, real JPEG frames)
//   - framesource/gstdriver: GStreamer v4l2 capture (requires gstreamer1.0 runtime)
//   - framesource/sourcetest: scripted driver for tests
//
// # Teardown
//
// Deinit refuses with ErrHandlesOutstanding while any handle is held, so a
// buffer still being read is never pulled from under its reader.
package framesource
