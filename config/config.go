// Package config loads the camnode YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-camnode/framesource"
	"github.com/e7canasta/orion-camnode/shutdown"
	"github.com/e7canasta/orion-camnode/throughput"
)

// Config represents the complete camnode configuration.
type Config struct {
	InstanceID string         `yaml:"instance_id"`
	Camera     CameraConfig   `yaml:"camera"`
	Monitor    MonitorConfig  `yaml:"monitor"`
	HTTP       HTTPConfig     `yaml:"http"`
	Shutdown   ShutdownConfig `yaml:"shutdown"`
	Network    NetworkConfig  `yaml:"network"`
	MQTT       MQTTConfig     `yaml:"mqtt"`
	Log        LogConfig      `yaml:"log"`
}

// CameraConfig contains driver and frame buffer settings.
type CameraConfig struct {
	Driver string `yaml:"driver"` // sim, gstreamer
	Device string `yaml:"device"` // gstreamer only

	Pins       framesource.Pins `yaml:"pins"`
	XCLKFreqHz int              `yaml:"xclk_freq_hz"`

	PixelFormat         string        `yaml:"pixel_format"`    // jpeg, rgb565, yuv422, ...
	FrameSize           string        `yaml:"frame_size"`      // qqvga, qvga, vga, ...
	JPEGQuality         int           `yaml:"jpeg_quality"`    // 0-63, lower is better
	FrameBufferCount    int           `yaml:"fb_count"`        // pool capacity
	FrameBufferLocation string        `yaml:"fb_location"`     // psram, dram
	GrabMode            string        `yaml:"grab_mode"`       // latest, when-empty
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"` // 0 waits forever

	SimFPS            float64 `yaml:"sim_fps"`
	SimStartTimestamp uint64  `yaml:"sim_start_timestamp_us"`
}

// MonitorConfig contains throughput monitor settings.
type MonitorConfig struct {
	Cycles         int           `yaml:"cycles"` // benchmark cycle budget
	ReportInterval time.Duration `yaml:"report_interval"`
	Decode         bool          `yaml:"decode"`       // run the decoder on every frame
	RunOnStart     bool          `yaml:"run_on_start"` // serve runs the monitor next to HTTP
}

// HTTPConfig contains HTTP server settings.
type HTTPConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Greeting     string        `yaml:"greeting"`
	Metrics      bool          `yaml:"metrics"`
}

// ShutdownConfig contains teardown settings.
type ShutdownConfig struct {
	Grace       time.Duration `yaml:"grace"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// NetworkConfig contains network collaborator settings.
type NetworkConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interface      string        `yaml:"interface"` // empty: default-route link
	RequireGateway bool          `yaml:"require_gateway"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	PingCount      int           `yaml:"ping_count"`
}

// MQTTConfig contains report publishing settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"` // defaults to instance_id
	Topic    string `yaml:"topic"`     // defaults to camnode/<instance_id>
	QoS      byte   `yaml:"qos"`
	Format   string `yaml:"format"` // json, msgpack
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

const (
	DriverSim       = "sim"
	DriverGStreamer = "gstreamer"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	fs := framesource.DefaultConfig()
	return Config{
		InstanceID: "camnode",
		Camera: CameraConfig{
			Driver:              DriverSim,
			Device:              "/dev/video0",
			Pins:                fs.Pins,
			XCLKFreqHz:          fs.XCLKFreqHz,
			PixelFormat:         fs.PixelFormat.String(),
			FrameSize:           fs.FrameSize.String(),
			JPEGQuality:         fs.JPEGQuality,
			FrameBufferCount:    fs.FrameBufferCount,
			FrameBufferLocation: fs.FrameBufferLocation.String(),
			GrabMode:            fs.GrabMode.String(),
			SimFPS:              25,
		},
		Monitor: MonitorConfig{
			Cycles:         1000,
			ReportInterval: throughput.DefaultReportInterval,
		},
		HTTP: HTTPConfig{
			Listen:       ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Metrics:      true,
		},
		Shutdown: ShutdownConfig{
			Grace:       shutdown.DefaultGrace,
			StopTimeout: shutdown.DefaultStopTimeout,
		},
		Network: NetworkConfig{
			PingTimeout: time.Second,
			PingCount:   5,
		},
		MQTT: MQTTConfig{
			Format: "json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file over Default and validates it.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// FrameSource converts the camera section into a framesource.Config.
func (c *Config) FrameSource() (framesource.Config, error) {
	cam := c.Camera
	format, err := framesource.ParsePixelFormat(cam.PixelFormat)
	if err != nil {
		return framesource.Config{}, fmt.Errorf("camera.pixel_format: %w", err)
	}
	size, err := framesource.ParseFrameSize(cam.FrameSize)
	if err != nil {
		return framesource.Config{}, fmt.Errorf("camera.frame_size: %w", err)
	}
	location, err := framesource.ParseFrameBufferLocation(cam.FrameBufferLocation)
	if err != nil {
		return framesource.Config{}, fmt.Errorf("camera.fb_location: %w", err)
	}
	mode, err := framesource.ParseGrabMode(cam.GrabMode)
	if err != nil {
		return framesource.Config{}, fmt.Errorf("camera.grab_mode: %w", err)
	}

	return framesource.Config{
		Pins:                cam.Pins,
		XCLKFreqHz:          cam.XCLKFreqHz,
		PixelFormat:         format,
		FrameSize:           size,
		JPEGQuality:         cam.JPEGQuality,
		FrameBufferCount:    cam.FrameBufferCount,
		FrameBufferLocation: location,
		GrabMode:            mode,
		AcquireTimeout:      cam.AcquireTimeout,
	}, nil
}
