package config

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/e7canasta/orion-camnode/publish"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived defaults
// (mqtt.client_id, mqtt.topic).
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if err := validateCamera(cfg); err != nil {
		return err
	}

	if cfg.Monitor.Cycles < 0 {
		return fmt.Errorf("monitor.cycles must be >= 0")
	}
	if cfg.Monitor.ReportInterval <= 0 {
		return fmt.Errorf("monitor.report_interval must be > 0")
	}

	if cfg.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if cfg.HTTP.ReadTimeout < 0 || cfg.HTTP.WriteTimeout < 0 || cfg.HTTP.IdleTimeout < 0 {
		return fmt.Errorf("http timeouts must be >= 0")
	}

	if cfg.Shutdown.Grace < 0 {
		return fmt.Errorf("shutdown.grace must be >= 0")
	}
	if cfg.Shutdown.StopTimeout < 0 {
		return fmt.Errorf("shutdown.stop_timeout must be >= 0")
	}

	if cfg.Network.Enabled {
		if cfg.Network.PingCount <= 0 {
			return fmt.Errorf("network.ping_count must be > 0")
		}
		if cfg.Network.PingTimeout <= 0 {
			return fmt.Errorf("network.ping_timeout must be > 0")
		}
	}

	if err := validateMQTT(cfg); err != nil {
		return err
	}

	if _, err := cfg.LogLevel(); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	return nil
}

func validateCamera(cfg *Config) error {
	switch cfg.Camera.Driver {
	case DriverSim:
		if cfg.Camera.SimFPS <= 0 {
			return fmt.Errorf("camera.sim_fps must be > 0")
		}
	case DriverGStreamer:
		if cfg.Camera.Device == "" {
			return fmt.Errorf("camera.device is required for the gstreamer driver")
		}
	default:
		return fmt.Errorf("camera.driver must be %s or %s, got %q", DriverSim, DriverGStreamer, cfg.Camera.Driver)
	}

	fs, err := cfg.FrameSource()
	if err != nil {
		return err
	}
	if err := fs.Validate(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	return nil
}

func validateMQTT(cfg *Config) error {
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.InstanceID
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "camnode/" + cfg.InstanceID
	}
	if _, err := publish.ParseFormat(cfg.MQTT.Format); err != nil {
		return fmt.Errorf("mqtt.format: %w", err)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// LogLevel parses log.level (debug, info, warn, error).
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
