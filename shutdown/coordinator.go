package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"k8s.io/utils/clock"
)

// DefaultGrace is the countdown between the signal and teardown.
const DefaultGrace = 3 * time.Second

// DefaultStopTimeout bounds the HTTP server drain during teardown.
const DefaultStopTimeout = 5 * time.Second

// State is the coordinator lifecycle.
type State int32

const (
	Running State = iota
	ShutdownRequested
	GracePeriod
	TornDown
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShutdownRequested:
		return "shutdown-requested"
	case GracePeriod:
		return "grace-period"
	case TornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deinitializer tears down the camera (framesource.Source).
type Deinitializer interface {
	Deinit() error
}

// Stopper stops the HTTP server (httpserver.Server).
type Stopper interface {
	Stop(ctx context.Context) error
}

// Releaser releases the network connection (network.Link).
type Releaser interface {
	Release() error
}

// EventPublisher receives lifecycle events (publish.MQTTReporter).
type EventPublisher interface {
	PublishEvent(name string, fields map[string]any) error
}

// Coordinator waits for the shutdown signal, counts down the grace period,
// then tears down camera, server and network in that order.
//
// Nil Camera, Server, Network or Events are skipped.
type Coordinator struct {
	Signal      *Signal
	Grace       time.Duration
	StopTimeout time.Duration
	Clock       clock.Clock

	Camera  Deinitializer
	Server  Stopper
	Network Releaser
	Events  EventPublisher

	Logger *slog.Logger

	state   atomic.Int32
	waiting atomic.Bool
	once    sync.Once
	result  error
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Wait blocks until the signal is delivered (a cancelled ctx counts as a
// request), runs the grace countdown, and tears down.
//
// Teardown order: camera deinit → server stop → network release. Every step
// runs regardless of earlier failures; failures are combined into the
// returned error. Only one teardown ever runs; a second Wait returns its result.
func (c *Coordinator) Wait(ctx context.Context) error {
	if !c.waiting.CompareAndSwap(false, true) {
		return fmt.Errorf("shutdown: coordinator already waiting")
	}
	defer c.waiting.Store(false)

	c.once.Do(func() {
		c.result = c.run(ctx)
	})
	return c.result
}

func (c *Coordinator) run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	grace := c.Grace
	if grace < 0 {
		grace = 0
	}

	select {
	case <-c.Signal.Done():
	case <-ctx.Done():
		c.Signal.Request(fmt.Sprintf("context: %v", context.Cause(ctx)))
	}
	c.state.Store(int32(ShutdownRequested))
	logger.Info("shutdown: requested", "reason", c.Signal.Reason())
	c.publish(logger, "shutdown_requested", map[string]any{"reason": c.Signal.Reason()})

	c.state.Store(int32(GracePeriod))
	for remaining := grace; remaining > 0; {
		secs := int((remaining + time.Second - 1) / time.Second)
		logger.Info(fmt.Sprintf("shutdown: shutting down in %d secs", secs), "remaining", remaining)
		step := min(time.Second, remaining)
		<-clk.After(step)
		remaining -= step
	}

	var errs []error

	if c.Camera != nil {
		if err := c.Camera.Deinit(); err != nil {
			logger.Error("shutdown: camera deinit failed", "error", err)
			errs = append(errs, fmt.Errorf("camera: %w", err))
		} else {
			logger.Info("shutdown: camera deinitialized")
		}
	}

	if c.Server != nil {
		timeout := c.StopTimeout
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.Server.Stop(stopCtx)
		cancel()
		if err != nil {
			logger.Error("shutdown: server stop failed", "error", err)
			errs = append(errs, fmt.Errorf("server: %w", err))
		} else {
			logger.Info("shutdown: server stopped")
		}
	}

	// Events go out before the network disappears.
	combined := errors.Combine(errs...)
	c.publish(logger, "shutdown_complete", map[string]any{
		"clean":  combined == nil,
		"errors": len(errs),
	})

	if c.Network != nil {
		if err := c.Network.Release(); err != nil {
			logger.Error("shutdown: network release failed", "error", err)
			errs = append(errs, fmt.Errorf("network: %w", err))
		} else {
			logger.Info("shutdown: network released")
		}
	}

	c.state.Store(int32(TornDown))
	combined = errors.Combine(errs...)
	if combined != nil {
		logger.Error("shutdown: teardown finished with errors", "error", combined)
	} else {
		logger.Info("shutdown: done")
	}
	return combined
}

func (c *Coordinator) publish(logger *slog.Logger, name string, fields map[string]any) {
	if c.Events == nil {
		return
	}
	if err := c.Events.PublishEvent(name, fields); err != nil {
		logger.Warn("shutdown: event publish failed", "event", name, "error", err)
	}
}

// ExitCode maps a teardown result onto the process exit status.
func ExitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
