package config

import (
	"fmt"
	"strings"
)

const (
	DefaultFrameCount      = 50
	DefaultFrameDurationMS = 100
	DefaultPreloadCount    = 2
	DefaultDecodeMode      = "local"
	DefaultImageType       = "image/jpeg"
	DefaultRefreshHz       = 60
	DefaultOutputWidth     = 912
	DefaultOutputHeight    = 512
	DefaultShutdownTimeout = 5
	DefaultMQTTTopic       = "framereel/playback"
	DefaultMQTTClientID    = "framereel"
	DefaultLogLevel        = "info"
)

var decodeModes = map[string]bool{
	"local":              true,
	"worker-transfer":    true,
	"worker-decode-only": true,
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.FrameCount < 0 {
		return fmt.Errorf("frame_count must be > 0")
	}
	if cfg.FrameCount == 0 {
		cfg.FrameCount = DefaultFrameCount
	}

	if cfg.FrameDurationMS < 0 {
		return fmt.Errorf("frame_duration_ms must be > 0")
	}
	if cfg.FrameDurationMS == 0 {
		cfg.FrameDurationMS = DefaultFrameDurationMS
	}

	if cfg.PreloadCount == nil {
		n := DefaultPreloadCount
		cfg.PreloadCount = &n
	}
	if *cfg.PreloadCount < 0 {
		return fmt.Errorf("preload_count must be >= 0, got %d", *cfg.PreloadCount)
	}

	if cfg.DecodeMode == "" {
		cfg.DecodeMode = DefaultDecodeMode
	}
	if !decodeModes[cfg.DecodeMode] {
		return fmt.Errorf("decode_mode %q unknown (must be local, worker-transfer or worker-decode-only)", cfg.DecodeMode)
	}
	if cfg.DecodeMode != "local" && !cfg.WorkerEnabled() {
		return fmt.Errorf("decode_mode %q requires worker.enabled", cfg.DecodeMode)
	}

	if cfg.ImageType == "" {
		cfg.ImageType = DefaultImageType
	}
	cfg.ImageType = strings.ToLower(cfg.ImageType)
	if !strings.HasPrefix(cfg.ImageType, "image/") {
		return fmt.Errorf("image_type %q must be an image MIME type", cfg.ImageType)
	}

	if cfg.DecodeTimeoutMS < 0 {
		return fmt.Errorf("decode_timeout_ms must be >= 0")
	}

	if cfg.RefreshHz < 0 {
		return fmt.Errorf("refresh_hz must be > 0")
	}
	if cfg.RefreshHz == 0 {
		cfg.RefreshHz = DefaultRefreshHz
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Output.Width < 0 || cfg.Output.Height < 0 {
		return fmt.Errorf("output size must be positive, got %dx%d", cfg.Output.Width, cfg.Output.Height)
	}
	if cfg.Output.Width == 0 {
		cfg.Output.Width = DefaultOutputWidth
	}
	if cfg.Output.Height == 0 {
		cfg.Output.Height = DefaultOutputHeight
	}

	if cfg.Worker.Enabled == nil {
		enabled := true
		cfg.Worker.Enabled = &enabled
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = DefaultMQTTTopic
		}
		if cfg.MQTT.ControlTopic == "" {
			cfg.MQTT.ControlTopic = cfg.MQTT.Topic + "/control"
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = DefaultMQTTClientID
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !logLevels[cfg.Log.Level] {
		return fmt.Errorf("log.level %q unknown (must be debug, info, warn or error)", cfg.Log.Level)
	}

	return nil
}
