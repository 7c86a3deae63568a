package framesource_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/orion-camnode/framesource"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := framesource.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.PixelFormat != framesource.PixelFormatJPEG ||
		cfg.FrameSize != framesource.FrameSizeQQVGA ||
		cfg.JPEGQuality != 12 ||
		cfg.FrameBufferCount != 3 ||
		cfg.FrameBufferLocation != framesource.FrameBufferInPSRAM ||
		cfg.GrabMode != framesource.GrabLatest ||
		cfg.XCLKFreqHz != 20_000_000 {
		t.Errorf("DefaultConfig() = %+v, want reference configuration", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*framesource.Config)
		wantSub string
	}{
		{"xclk too low", func(c *framesource.Config) { c.XCLKFreqHz = 100 }, "xclk"},
		{"xclk too high", func(c *framesource.Config) { c.XCLKFreqHz = 80_000_000 }, "xclk"},
		{"quality negative", func(c *framesource.Config) { c.JPEGQuality = -1 }, "jpeg quality"},
		{"quality above 63", func(c *framesource.Config) { c.JPEGQuality = 64 }, "jpeg quality"},
		{"zero buffers", func(c *framesource.Config) { c.FrameBufferCount = 0 }, "frame buffer count"},
		{"nine buffers", func(c *framesource.Config) { c.FrameBufferCount = 9 }, "frame buffer count"},
		{"bad pixel format", func(c *framesource.Config) { c.PixelFormat = 42 }, "pixel format"},
		{"bad frame size", func(c *framesource.Config) { c.FrameSize = 42 }, "frame size"},
		{"bad grab mode", func(c *framesource.Config) { c.GrabMode = 7 }, "grab mode"},
		{"bad location", func(c *framesource.Config) { c.FrameBufferLocation = 7 }, "location"},
		{"negative timeout", func(c *framesource.Config) { c.AcquireTimeout = -time.Second }, "acquire timeout"},
		{"required pin missing", func(c *framesource.Config) { c.Pins.PCLK = -1 }, "pclk"},
		{"pin out of range", func(c *framesource.Config) { c.Pins.D0 = 49 }, "d0"},
		{"duplicate pin", func(c *framesource.Config) { c.Pins.D1 = c.Pins.D0 }, "assigned to both"},
		{"dram too small for svga rgb565", func(c *framesource.Config) {
			c.PixelFormat = framesource.PixelFormatRGB565
			c.FrameSize = framesource.FrameSizeSVGA
			c.FrameBufferLocation = framesource.FrameBufferInDRAM
			c.FrameBufferCount = 1
		}, "insufficient dram"},
		{"psram too small for 8 uxga rgb888", func(c *framesource.Config) {
			c.PixelFormat = framesource.PixelFormatRGB888
			c.FrameSize = framesource.FrameSizeUXGA
			c.FrameBufferCount = 8
		}, "insufficient psram"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := framesource.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, framesource.ErrHardwareInit) {
				t.Fatalf("Validate() = %v, want ErrHardwareInit", err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestConfigValidateAcceptsOptionalPinsDisconnected(t *testing.T) {
	cfg := framesource.DefaultConfig()
	cfg.Pins.PWDN = -1
	cfg.Pins.Reset = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	cfg.Pins.PWDN = 32
	cfg.Pins.Reset = 33
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with pwdn/reset wired = %v", err)
	}
}

func TestDRAMHoldsOneQVGARawBuffer(t *testing.T) {
	cfg := framesource.DefaultConfig()
	cfg.PixelFormat = framesource.PixelFormatRGB565
	cfg.FrameSize = framesource.FrameSizeQVGA
	cfg.FrameBufferLocation = framesource.FrameBufferInDRAM

	cfg.FrameBufferCount = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("1 buffer: Validate() = %v", err)
	}
	cfg.FrameBufferCount = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("2 buffers: Validate() = nil, want insufficient dram")
	}
}

func TestFrameSizeDimensions(t *testing.T) {
	tests := []struct {
		size          framesource.FrameSize
		name          string
		width, height int
	}{
		{framesource.FrameSize96x96, "96x96", 96, 96},
		{framesource.FrameSizeQQVGA, "qqvga", 160, 120},
		{framesource.FrameSizeQVGA, "qvga", 320, 240},
		{framesource.FrameSizeCIF, "cif", 400, 296},
		{framesource.FrameSizeVGA, "vga", 640, 480},
		{framesource.FrameSizeHD, "hd", 1280, 720},
		{framesource.FrameSizeUXGA, "uxga", 1600, 1200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := tt.size.Dimensions()
			if w != tt.width || h != tt.height {
				t.Errorf("Dimensions() = %dx%d, want %dx%d", w, h, tt.width, tt.height)
			}
			if tt.size.String() != tt.name {
				t.Errorf("String() = %q, want %q", tt.size.String(), tt.name)
			}
			parsed, err := framesource.ParseFrameSize(strings.ToUpper(tt.name))
			if err != nil || parsed != tt.size {
				t.Errorf("ParseFrameSize(%q) = %v, %v", tt.name, parsed, err)
			}
		})
	}
}

func TestParseEnums(t *testing.T) {
	if p, err := framesource.ParsePixelFormat("JPEG"); err != nil || p != framesource.PixelFormatJPEG {
		t.Errorf("ParsePixelFormat(JPEG) = %v, %v", p, err)
	}
	if _, err := framesource.ParsePixelFormat("webp"); err == nil {
		t.Error("ParsePixelFormat(webp) = nil error")
	}
	if g, err := framesource.ParseGrabMode("all"); err != nil || g != framesource.GrabWhenEmpty {
		t.Errorf("ParseGrabMode(all) = %v, %v", g, err)
	}
	if g, err := framesource.ParseGrabMode("latest"); err != nil || g != framesource.GrabLatest {
		t.Errorf("ParseGrabMode(latest) = %v, %v", g, err)
	}
	if l, err := framesource.ParseFrameBufferLocation("DRAM"); err != nil || l != framesource.FrameBufferInDRAM {
		t.Errorf("ParseFrameBufferLocation(DRAM) = %v, %v", l, err)
	}
	if _, err := framesource.ParseFrameBufferLocation("flash"); err == nil {
		t.Error("ParseFrameBufferLocation(flash) = nil error")
	}
}
