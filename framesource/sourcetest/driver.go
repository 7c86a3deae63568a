// Package sourcetest provides a scripted framesource.Driver for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-camnode/framesource"
)

// Step is one scripted Grab result.
type Step struct {
	Timestamp   uint64
	Len         int
	Unavailable bool
}

// Frame scripts a frame with the given timestamp and length.
func Frame(timestamp uint64, length int) Step {
	return Step{Timestamp: timestamp, Len: length}
}

// Unavailable scripts a grab that reports no frame.
func Unavailable() Step {
	return Step{Unavailable: true}
}

// Driver replays a script of grabs. Once the script is exhausted every Grab
// reports framesource.ErrNoFrame.
//
// Thread-safety: safe for concurrent use.
type Driver struct {
	// Format, Width and Height are stamped on every frame (default JPEG 160x120).
	Format framesource.PixelFormat
	Width  int
	Height int

	// FailInit and FailDeinit are returned by Init and Deinit when set.
	FailInit   error
	FailDeinit error

	// OnGrab runs before each Grab; a non-nil error is returned as is.
	OnGrab func(ctx context.Context) error

	mu       sync.Mutex
	steps    []Step
	next     int
	grabs    int
	returns  int
	inits    int
	deinits  int
	returned map[int]bool
	cfg      framesource.Config
}

// New creates a driver that replays steps in order.
func New(steps ...Step) *Driver {
	return &Driver{
		Format:   framesource.PixelFormatJPEG,
		Width:    160,
		Height:   120,
		steps:    steps,
		returned: make(map[int]bool),
	}
}

// Append adds steps to the end of the script.
func (d *Driver) Append(steps ...Step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, steps...)
}

func (d *Driver) Init(cfg framesource.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	if d.FailInit != nil {
		return d.FailInit
	}
	d.cfg = cfg
	return nil
}

func (d *Driver) Grab(ctx context.Context) (framesource.RawFrame, error) {
	if d.OnGrab != nil {
		if err := d.OnGrab(ctx); err != nil {
			return framesource.RawFrame{}, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.grabs++

	if d.next >= len(d.steps) {
		return framesource.RawFrame{}, framesource.ErrNoFrame
	}
	step := d.steps[d.next]
	slot := d.next
	d.next++

	if step.Unavailable {
		return framesource.RawFrame{}, framesource.ErrNoFrame
	}

	data := make([]byte, step.Len)
	for i := range data {
		data[i] = byte(i)
	}
	return framesource.RawFrame{
		Data:      data,
		Width:     d.Width,
		Height:    d.Height,
		Timestamp: step.Timestamp,
		Format:    d.Format,
		TraceID:   uuid.New().String(),
		Slot:      slot,
	}, nil
}

// Return panics on a double return so tests catch pool bugs immediately.
func (d *Driver) Return(frame framesource.RawFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.returned[frame.Slot] {
		panic(fmt.Sprintf("sourcetest: slot %d returned twice", frame.Slot))
	}
	d.returned[frame.Slot] = true
	d.returns++
}

func (d *Driver) Deinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deinits++
	return d.FailDeinit
}

// Grabs returns the number of Grab calls (successful or not).
func (d *Driver) Grabs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabs
}

// Returns returns the number of buffers handed back.
func (d *Driver) Returns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.returns
}

func (d *Driver) Inits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inits
}

func (d *Driver) Deinits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deinits
}

// Config returns the configuration received by the last Init.
func (d *Driver) Config() framesource.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Loop scripts n frames with timestamps start, start+step, ... and fixed length.
func Loop(n int, start, step uint64, length int) []Step {
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Frame(start+uint64(i)*step, length)
	}
	return steps
}
