package internal

import (
	"fmt"
	"strings"
	"time"
)

// PixelFormat is the sensor output format.
type PixelFormat int

const (
	PixelFormatRGB565 PixelFormat = iota
	PixelFormatYUV422
	PixelFormatYUV420
	PixelFormatGrayscale
	PixelFormatJPEG
	PixelFormatRGB888
	PixelFormatRaw
	PixelFormatRGB444
	PixelFormatRGB555
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatRGB565:    "rgb565",
	PixelFormatYUV422:    "yuv422",
	PixelFormatYUV420:    "yuv420",
	PixelFormatGrayscale: "grayscale",
	PixelFormatJPEG:      "jpeg",
	PixelFormatRGB888:    "rgb888",
	PixelFormatRaw:       "raw",
	PixelFormatRGB444:    "rgb444",
	PixelFormatRGB555:    "rgb555",
}

// String returns the lower-case name used in configuration files.
func (p PixelFormat) String() string {
	if name, ok := pixelFormatNames[p]; ok {
		return name
	}
	return fmt.Sprintf("pixelformat(%d)", int(p))
}

// Valid reports whether p is one of the enumerated formats.
func (p PixelFormat) Valid() bool {
	_, ok := pixelFormatNames[p]
	return ok
}

// BytesPerPixel returns the uncompressed pixel size.
// JPEG returns 0 (variable-length bitstream).
func (p PixelFormat) BytesPerPixel() float64 {
	switch p {
	case PixelFormatRGB888:
		return 3
	case PixelFormatRGB565, PixelFormatYUV422, PixelFormatRGB444, PixelFormatRGB555:
		return 2
	case PixelFormatYUV420:
		return 1.5
	case PixelFormatGrayscale, PixelFormatRaw:
		return 1
	default:
		return 0
	}
}

// ParsePixelFormat parses a configuration name (case-insensitive).
func ParsePixelFormat(s string) (PixelFormat, error) {
	for p, name := range pixelFormatNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

// FrameSize is the sensor resolution class.
type FrameSize int

const (
	FrameSize96x96 FrameSize = iota
	FrameSizeQQVGA
	FrameSizeQCIF
	FrameSizeHQVGA
	FrameSize240x240
	FrameSizeQVGA
	FrameSizeCIF
	FrameSizeHVGA
	FrameSizeVGA
	FrameSizeSVGA
	FrameSizeXGA
	FrameSizeHD
	FrameSizeSXGA
	FrameSizeUXGA
)

type frameSizeInfo struct {
	name          string
	width, height int
}

var frameSizes = map[FrameSize]frameSizeInfo{
	FrameSize96x96:   {"96x96", 96, 96},
	FrameSizeQQVGA:   {"qqvga", 160, 120},
	FrameSizeQCIF:    {"qcif", 176, 144},
	FrameSizeHQVGA:   {"hqvga", 240, 176},
	FrameSize240x240: {"240x240", 240, 240},
	FrameSizeQVGA:    {"qvga", 320, 240},
	FrameSizeCIF:     {"cif", 400, 296},
	FrameSizeHVGA:    {"hvga", 480, 320},
	FrameSizeVGA:     {"vga", 640, 480},
	FrameSizeSVGA:    {"svga", 800, 600},
	FrameSizeXGA:     {"xga", 1024, 768},
	FrameSizeHD:      {"hd", 1280, 720},
	FrameSizeSXGA:    {"sxga", 1280, 1024},
	FrameSizeUXGA:    {"uxga", 1600, 1200},
}

// Dimensions returns the width and height for the frame size.
// Unknown values return 0, 0.
func (f FrameSize) Dimensions() (width, height int) {
	info, ok := frameSizes[f]
	if !ok {
		return 0, 0
	}
	return info.width, info.height
}

// String returns the lower-case name used in configuration files.
func (f FrameSize) String() string {
	if info, ok := frameSizes[f]; ok {
		return info.name
	}
	return fmt.Sprintf("framesize(%d)", int(f))
}

// ParseFrameSize parses a configuration name (case-insensitive).
func ParseFrameSize(s string) (FrameSize, error) {
	for f, info := range frameSizes {
		if strings.EqualFold(s, info.name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown frame size %q", s)
}

// GrabMode selects which completed frame a grab returns.
type GrabMode int

const (
	// GrabWhenEmpty fills buffers only when empty; frames are returned in capture order.
	GrabWhenEmpty GrabMode = iota
	// GrabLatest always returns the newest completed frame, discarding any backlog.
	GrabLatest
)

// String returns the configuration name.
func (g GrabMode) String() string {
	switch g {
	case GrabWhenEmpty:
		return "when-empty"
	case GrabLatest:
		return "latest"
	default:
		return fmt.Sprintf("grabmode(%d)", int(g))
	}
}

// ParseGrabMode accepts "latest" and "when-empty" (alias "all").
func ParseGrabMode(s string) (GrabMode, error) {
	switch strings.ToLower(s) {
	case "latest":
		return GrabLatest, nil
	case "when-empty", "all":
		return GrabWhenEmpty, nil
	default:
		return 0, fmt.Errorf("unknown grab mode %q", s)
	}
}

// FrameBufferLocation is where the frame buffer pool is allocated.
type FrameBufferLocation int

const (
	// FrameBufferInPSRAM places buffers in external (slow, large) memory.
	FrameBufferInPSRAM FrameBufferLocation = iota
	// FrameBufferInDRAM places buffers in internal (fast, small) memory.
	FrameBufferInDRAM
)

// String returns the configuration name.
func (l FrameBufferLocation) String() string {
	switch l {
	case FrameBufferInPSRAM:
		return "psram"
	case FrameBufferInDRAM:
		return "dram"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// ParseFrameBufferLocation accepts "psram" and "dram".
func ParseFrameBufferLocation(s string) (FrameBufferLocation, error) {
	switch strings.ToLower(s) {
	case "psram":
		return FrameBufferInPSRAM, nil
	case "dram":
		return FrameBufferInDRAM, nil
	default:
		return 0, fmt.Errorf("unknown frame buffer location %q", s)
	}
}

// Memory budgets for the buffer pool, per location.
const (
	dramBudget  = 160 * 1024
	psramBudget = 4 * 1024 * 1024

	// jpegCompressionRatio sizes JPEG buffers as width*height/ratio.
	jpegCompressionRatio = 5

	maxGPIO = 48
)

// Pins is the peripheral pin mapping. -1 marks a pin as not connected.
type Pins struct {
	PWDN  int `yaml:"pwdn"`
	Reset int `yaml:"reset"`
	XCLK  int `yaml:"xclk"`
	SIOD  int `yaml:"siod"`
	SIOC  int `yaml:"sioc"`
	D7    int `yaml:"d7"`
	D6    int `yaml:"d6"`
	D5    int `yaml:"d5"`
	D4    int `yaml:"d4"`
	D3    int `yaml:"d3"`
	D2    int `yaml:"d2"`
	D1    int `yaml:"d1"`
	D0    int `yaml:"d0"`
	VSYNC int `yaml:"vsync"`
	HREF  int `yaml:"href"`
	PCLK  int `yaml:"pclk"`
}

// DefaultPins is the mapping of the reference ESP32-S3 camera board.
var DefaultPins = Pins{
	PWDN:  -1,
	Reset: -1,
	XCLK:  15,
	SIOD:  4,
	SIOC:  5,
	D7:    16,
	D6:    17,
	D5:    18,
	D4:    12,
	D3:    10,
	D2:    8,
	D1:    9,
	D0:    11,
	VSYNC: 6,
	HREF:  7,
	PCLK:  13,
}

// Config is the validated camera configuration handed to the Driver.
type Config struct {
	Pins                Pins
	XCLKFreqHz          int
	PixelFormat         PixelFormat
	FrameSize           FrameSize
	JPEGQuality         int
	FrameBufferCount    int
	FrameBufferLocation FrameBufferLocation
	GrabMode            GrabMode

	// AcquireTimeout bounds the hardware grab. Zero waits indefinitely.
	AcquireTimeout time.Duration
}

// DefaultConfig returns the reference configuration: JPEG at QQVGA,
// quality 12, 3 buffers in PSRAM, grab-latest, 20MHz XCLK.
func DefaultConfig() Config {
	return Config{
		Pins:                DefaultPins,
		XCLKFreqHz:          20_000_000,
		PixelFormat:         PixelFormatJPEG,
		FrameSize:           FrameSizeQQVGA,
		JPEGQuality:         12,
		FrameBufferCount:    3,
		FrameBufferLocation: FrameBufferInPSRAM,
		GrabMode:            GrabLatest,
	}
}

// BufferBytes returns the size of a single frame buffer for this configuration.
func (c Config) BufferBytes() int {
	w, h := c.FrameSize.Dimensions()
	if c.PixelFormat == PixelFormatJPEG {
		return w * h / jpegCompressionRatio
	}
	return int(float64(w*h) * c.PixelFormat.BytesPerPixel())
}

// EncoderQuality maps JPEGQuality (0..63, lower is better) onto the
// 1..100 higher-is-better scale used by software JPEG encoders.
func (c Config) EncoderQuality() int {
	q := 100 - c.JPEGQuality*99/63
	if q < 1 {
		return 1
	}
	return q
}

// Validate checks the configuration before it reaches the driver.
// All failures wrap ErrHardwareInit.
func (c Config) Validate() error {
	if err := c.Pins.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrHardwareInit, err)
	}

	if c.XCLKFreqHz < 1_000_000 || c.XCLKFreqHz > 40_000_000 {
		return fmt.Errorf("%w: xclk frequency %d Hz out of range (1MHz-40MHz)", ErrHardwareInit, c.XCLKFreqHz)
	}

	if !c.PixelFormat.Valid() {
		return fmt.Errorf("%w: invalid pixel format %v", ErrHardwareInit, c.PixelFormat)
	}

	if w, h := c.FrameSize.Dimensions(); w == 0 || h == 0 {
		return fmt.Errorf("%w: invalid frame size %v", ErrHardwareInit, c.FrameSize)
	}

	if c.JPEGQuality < 0 || c.JPEGQuality > 63 {
		return fmt.Errorf("%w: jpeg quality %d out of range (0-63)", ErrHardwareInit, c.JPEGQuality)
	}

	if c.FrameBufferCount < 1 || c.FrameBufferCount > 8 {
		return fmt.Errorf("%w: frame buffer count %d out of range (1-8)", ErrHardwareInit, c.FrameBufferCount)
	}

	if c.GrabMode != GrabLatest && c.GrabMode != GrabWhenEmpty {
		return fmt.Errorf("%w: invalid grab mode %v", ErrHardwareInit, c.GrabMode)
	}

	var budget int
	switch c.FrameBufferLocation {
	case FrameBufferInDRAM:
		budget = dramBudget
	case FrameBufferInPSRAM:
		budget = psramBudget
	default:
		return fmt.Errorf("%w: invalid frame buffer location %v", ErrHardwareInit, c.FrameBufferLocation)
	}

	if need := c.BufferBytes() * c.FrameBufferCount; need > budget {
		return fmt.Errorf("%w: insufficient %s for %d x %s %s buffers (need %d bytes, have %d)",
			ErrHardwareInit, c.FrameBufferLocation, c.FrameBufferCount, c.FrameSize, c.PixelFormat, need, budget)
	}

	if c.AcquireTimeout < 0 {
		return fmt.Errorf("%w: negative acquire timeout %v", ErrHardwareInit, c.AcquireTimeout)
	}

	return nil
}

func (p Pins) validate() error {
	required := map[string]int{
		"xclk": p.XCLK, "siod": p.SIOD, "sioc": p.SIOC,
		"d0": p.D0, "d1": p.D1, "d2": p.D2, "d3": p.D3,
		"d4": p.D4, "d5": p.D5, "d6": p.D6, "d7": p.D7,
		"vsync": p.VSYNC, "href": p.HREF, "pclk": p.PCLK,
	}
	optional := map[string]int{"pwdn": p.PWDN, "reset": p.Reset}

	used := make(map[int]string)
	check := func(name string, pin int, isRequired bool) error {
		if pin == -1 && !isRequired {
			return nil
		}
		if pin < 0 || pin > maxGPIO {
			return fmt.Errorf("pin %s=%d out of range (0-%d)", name, pin, maxGPIO)
		}
		if other, dup := used[pin]; dup {
			return fmt.Errorf("pin %d assigned to both %s and %s", pin, other, name)
		}
		used[pin] = name
		return nil
	}

	// Sorted iteration keeps error messages deterministic.
	for _, name := range []string{"xclk", "siod", "sioc", "d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7", "vsync", "href", "pclk"} {
		if err := check(name, required[name], true); err != nil {
			return err
		}
	}
	for _, name := range []string{"pwdn", "reset"} {
		if err := check(name, optional[name], false); err != nil {
			return err
		}
	}
	return nil
}
