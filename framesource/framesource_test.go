package framesource_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"
	"time"

	"github.com/e7canasta/orion-camnode/framesource"
	"github.com/e7canasta/orion-camnode/framesource/sourcetest"
)

func newSource(t *testing.T, buffers int, steps ...sourcetest.Step) (*framesource.Source, *sourcetest.Driver) {
	t.Helper()
	drv := sourcetest.New(steps...)
	src := framesource.New(drv)
	cfg := framesource.DefaultConfig()
	cfg.FrameBufferCount = buffers
	if err := src.Init(cfg); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	return src, drv
}

// --- Lifecycle ---

func TestInitTwiceIsDetected(t *testing.T) {
	src, drv := newSource(t, 1)

	err := src.Init(framesource.DefaultConfig())
	if !errors.Is(err, framesource.ErrAlreadyInitialized) {
		t.Fatalf("second Init() = %v, want ErrAlreadyInitialized", err)
	}
	if drv.Inits() != 1 {
		t.Errorf("driver Init called %d times, want 1", drv.Inits())
	}
}

func TestInitDriverFailureWrapsHardwareInit(t *testing.T) {
	drv := sourcetest.New()
	drv.FailInit = errors.New("sccb probe failed")
	src := framesource.New(drv)

	err := src.Init(framesource.DefaultConfig())
	if !errors.Is(err, framesource.ErrHardwareInit) {
		t.Fatalf("Init() = %v, want ErrHardwareInit", err)
	}
	if src.Stats().Initialized {
		t.Error("source reports initialized after failed Init")
	}
	if _, err := src.Acquire(context.Background()); !errors.Is(err, framesource.ErrNotInitialized) {
		t.Errorf("Acquire() after failed Init = %v, want ErrNotInitialized", err)
	}
}

func TestInitInvalidConfigNeverReachesDriver(t *testing.T) {
	drv := sourcetest.New()
	src := framesource.New(drv)
	cfg := framesource.DefaultConfig()
	cfg.FrameBufferCount = 0

	if err := src.Init(cfg); !errors.Is(err, framesource.ErrHardwareInit) {
		t.Fatalf("Init() = %v, want ErrHardwareInit", err)
	}
	if drv.Inits() != 0 {
		t.Errorf("driver Init called %d times, want 0", drv.Inits())
	}
}

func TestDeinitRefusesWithOutstandingHandles(t *testing.T) {
	src, drv := newSource(t, 2, sourcetest.Frame(1000, 10))

	h, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if err := src.Deinit(); !errors.Is(err, framesource.ErrHandlesOutstanding) {
		t.Fatalf("Deinit() = %v, want ErrHandlesOutstanding", err)
	}
	if drv.Deinits() != 0 {
		t.Fatalf("driver Deinit called while handle outstanding")
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if err := src.Deinit(); err != nil {
		t.Fatalf("Deinit() after release failed: %v", err)
	}
	if drv.Deinits() != 1 {
		t.Errorf("driver Deinit called %d times, want 1", drv.Deinits())
	}
}

func TestDeinitFailureWrapsHardwareTeardown(t *testing.T) {
	src, drv := newSource(t, 1)
	drv.FailDeinit = errors.New("sensor did not acknowledge")

	if err := src.Deinit(); !errors.Is(err, framesource.ErrHardwareTeardown) {
		t.Fatalf("Deinit() = %v, want ErrHardwareTeardown", err)
	}
	// Uninitialized afterwards: a second Deinit is a no-op.
	if err := src.Deinit(); err != nil {
		t.Errorf("second Deinit() = %v, want nil", err)
	}
}

func TestDeinitUninitializedIsNoop(t *testing.T) {
	drv := sourcetest.New()
	src := framesource.New(drv)
	if err := src.Deinit(); err != nil {
		t.Fatalf("Deinit() = %v, want nil", err)
	}
	if drv.Deinits() != 0 {
		t.Errorf("driver Deinit called on uninitialized source")
	}
}

// --- Acquire / Release ---

func TestAcquireReleaseRoundTrip(t *testing.T) {
	src, drv := newSource(t, 3, sourcetest.Frame(1_000_000, 4096))

	h, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if h.Len() != 4096 || len(h.Data()) != 4096 {
		t.Errorf("Len() = %d, len(Data()) = %d, want 4096", h.Len(), len(h.Data()))
	}
	if h.Timestamp() != 1_000_000 {
		t.Errorf("Timestamp() = %d, want 1000000", h.Timestamp())
	}
	if h.Format() != framesource.PixelFormatJPEG {
		t.Errorf("Format() = %v, want jpeg", h.Format())
	}
	if h.TraceID() == "" {
		t.Error("TraceID() empty")
	}

	if got := src.Stats().Outstanding; got != 1 {
		t.Errorf("Outstanding = %d, want 1", got)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if h.Data() != nil {
		t.Error("Data() not nil after Release")
	}
	if err := h.Release(); !errors.Is(err, framesource.ErrAlreadyReleased) {
		t.Errorf("second Release() = %v, want ErrAlreadyReleased", err)
	}

	stats := src.Stats()
	if stats.Outstanding != 0 || stats.Acquired != 1 || stats.Released != 1 {
		t.Errorf("Stats = %+v, want outstanding=0 acquired=1 released=1", stats)
	}
	if drv.Returns() != 1 {
		t.Errorf("driver Return called %d times, want 1", drv.Returns())
	}

	t.Logf("✅ acquire/release round trip: %+v", stats)
}

func TestAcquireUnavailableReturnsSlot(t *testing.T) {
	src, drv := newSource(t, 1, sourcetest.Unavailable(), sourcetest.Frame(10, 1))

	_, err := src.Acquire(context.Background())
	if !errors.Is(err, framesource.ErrFrameUnavailable) {
		t.Fatalf("Acquire() = %v, want ErrFrameUnavailable", err)
	}
	if !errors.Is(err, framesource.ErrNoFrame) {
		t.Errorf("Acquire() = %v, want driver cause ErrNoFrame preserved", err)
	}

	// Capacity 1: the slot must be free again.
	h, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after unavailable failed: %v", err)
	}
	h.Release()

	stats := src.Stats()
	if stats.Unavailable != 1 || stats.Outstanding != 0 {
		t.Errorf("Stats = %+v, want unavailable=1 outstanding=0", stats)
	}
	if drv.Returns() != 1 {
		t.Errorf("driver Return called %d times, want 1 (no return for unavailable)", drv.Returns())
	}
}

// TestAcquireBlocksAtCapacity: with capacity 1, a second Acquire blocks until
// the first handle is released.
func TestAcquireBlocksAtCapacity(t *testing.T) {
	src, _ := newSource(t, 1, sourcetest.Frame(1, 1), sourcetest.Frame(2, 1))

	first, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	got := make(chan *framesource.Handle, 1)
	go func() {
		h, err := src.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked Acquire() failed: %v", err)
			close(got)
			return
		}
		got <- h
	}()

	select {
	case <-got:
		t.Fatal("second Acquire returned while capacity exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	if w := src.Stats().Waiting; w != 1 {
		t.Errorf("Waiting = %d, want 1", w)
	}

	first.Release()

	select {
	case h := <-got:
		if h == nil {
			t.FailNow()
		}
		if h.Timestamp() != 2 {
			t.Errorf("Timestamp() = %d, want 2", h.Timestamp())
		}
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not wake after Release")
	}

	t.Logf("✅ capacity-1 acquire blocked until release")
}

func TestAcquireWaitHonoursContext(t *testing.T) {
	src, _ := newSource(t, 1, sourcetest.Frame(1, 1))

	h, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := src.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() = %v, want context.DeadlineExceeded", err)
	}
	if w := src.Stats().Waiting; w != 0 {
		t.Errorf("Waiting = %d after cancelled wait, want 0", w)
	}
}

func TestAcquireTimeoutBoundsGrab(t *testing.T) {
	drv := sourcetest.New(sourcetest.Frame(1, 1))
	drv.OnGrab = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	src := framesource.New(drv)
	cfg := framesource.DefaultConfig()
	cfg.AcquireTimeout = 20 * time.Millisecond
	if err := src.Init(cfg); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	_, err := src.Acquire(context.Background())
	if !errors.Is(err, framesource.ErrFrameUnavailable) {
		t.Fatalf("Acquire() = %v, want ErrFrameUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() = %v, want DeadlineExceeded cause", err)
	}
	if got := src.Stats().Outstanding; got != 0 {
		t.Errorf("Outstanding = %d, want 0", got)
	}
}

func TestDeinitRefusedWhileWaiterParkedThenReleaseWakesIt(t *testing.T) {
	src, _ := newSource(t, 1, sourcetest.Frame(1, 1), sourcetest.Frame(2, 1))

	h, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	type result struct {
		h   *framesource.Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := src.Acquire(context.Background())
		done <- result{h, err}
	}()

	deadline := time.Now().Add(time.Second)
	for src.Stats().Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never parked")
		}
		time.Sleep(time.Millisecond)
	}

	// A parked waiter implies a held handle, so Deinit refuses and the
	// waiter stays parked.
	if err := src.Deinit(); !errors.Is(err, framesource.ErrHandlesOutstanding) {
		t.Fatalf("Deinit() with waiter parked = %v, want ErrHandlesOutstanding", err)
	}
	if st := src.Stats(); !st.Initialized || st.Waiting != 1 {
		t.Fatalf("after refused Deinit: initialized=%v waiting=%d", st.Initialized, st.Waiting)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	var got result
	select {
	case got = <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Release")
	}
	if got.err != nil {
		t.Fatalf("woken waiter Acquire() = %v", got.err)
	}
	if got.h.Timestamp() != 2 {
		t.Errorf("woken waiter timestamp = %d, want 2", got.h.Timestamp())
	}
	got.h.Release()

	if err := src.Deinit(); err != nil {
		t.Fatalf("Deinit() after all releases = %v", err)
	}
}

// --- Concurrency properties ---

type peakObserver struct {
	capacity int
	peak     atomic.Int64
	over     atomic.Bool
}

func (o *peakObserver) ObserveAcquire(outstanding int) {
	if int64(outstanding) > o.peak.Load() {
		o.peak.Store(int64(outstanding))
	}
	if outstanding > o.capacity {
		o.over.Store(true)
	}
}
func (o *peakObserver) ObserveRelease(int, time.Duration) {}
func (o *peakObserver) ObserveUnavailable()               {}

// TestPropertyOutstandingNeverExceedsCapacity: for any capacity and caller
// count, outstanding handles never exceed capacity.
func TestPropertyOutstandingNeverExceedsCapacity(t *testing.T) {
	f := func(capRaw, callersRaw uint8) bool {
		capacity := int(capRaw%8) + 1
		callers := int(callersRaw%16) + 1
		const perCaller = 10

		obs := &peakObserver{capacity: capacity}
		drv := sourcetest.New(sourcetest.Loop(callers*perCaller, 1, 1, 8)...)
		src := framesource.New(drv, framesource.WithObserver(obs))
		cfg := framesource.DefaultConfig()
		cfg.FrameBufferCount = capacity
		if err := src.Init(cfg); err != nil {
			return false
		}

		var wg sync.WaitGroup
		for c := 0; c < callers; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perCaller; i++ {
					h, err := src.Acquire(context.Background())
					if err != nil {
						return
					}
					if src.Stats().Outstanding > capacity {
						obs.over.Store(true)
					}
					h.Release()
				}
			}()
		}
		wg.Wait()

		stats := src.Stats()
		return !obs.over.Load() &&
			stats.Outstanding == 0 &&
			stats.Acquired == stats.Released &&
			int(stats.Released) == drv.Returns() &&
			src.Deinit() == nil
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Errorf("Property violated: %v", err)
	}
}

// TestPropertyReleaseIsEffectiveOnce: concurrent Release calls on one handle
// return the buffer exactly once.
func TestPropertyReleaseIsEffectiveOnce(t *testing.T) {
	f := func(nRaw uint8) bool {
		n := int(nRaw%16) + 2
		src, drv := newSource(t, 1, sourcetest.Frame(1, 1))
		h, err := src.Acquire(context.Background())
		if err != nil {
			return false
		}

		var ok atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if h.Release() == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		return ok.Load() == 1 && drv.Returns() == 1 && src.Stats().Outstanding == 0
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Errorf("Property violated: %v", err)
	}
}
