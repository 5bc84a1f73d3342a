package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete framereel configuration
type Config struct {
	FrameCount      int    `yaml:"frame_count"`       // logical frames per sequence (default: 50)
	FrameDurationMS int    `yaml:"frame_duration_ms"` // dwell time per frame (default: 100)
	PreloadCount    *int   `yaml:"preload_count"`     // look-ahead window, 0 allowed (default: 2)
	DecodeMode      string `yaml:"decode_mode"`       // local, worker-transfer, worker-decode-only
	ImageType       string `yaml:"image_type"`        // preferred MIME type (default: image/jpeg)
	DecodeTimeoutMS int    `yaml:"decode_timeout_ms"` // per-mount deadline, 0 = none
	RefreshHz       int    `yaml:"refresh_hz"`        // headless refresh rate (default: 60)
	ShutdownTimeout int    `yaml:"shutdown_timeout_s"`

	Output OutputConfig `yaml:"output"`
	Worker WorkerConfig `yaml:"worker"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Record RecordConfig `yaml:"record"`
	Log    LogConfig    `yaml:"log"`
}

// OutputConfig sizes the on-screen output surface
type OutputConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// WorkerConfig controls the decode worker
type WorkerConfig struct {
	Enabled *bool `yaml:"enabled"` // default: true
}

// MQTTConfig contains the optional telemetry broker settings. An empty
// broker disables telemetry.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Topic        string `yaml:"topic"`         // event topic prefix
	ControlTopic string `yaml:"control_topic"` // remote play/stop commands
	ClientID     string `yaml:"client_id"`
	QoS          byte   `yaml:"qos"`
}

// RecordConfig contains the optional run log settings. An empty path
// disables recording.
type RecordConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogConfig selects the log level: debug, info, warn or error
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a validated configuration with every default set
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist. found reports whether the file was read.
func LoadOrDefault(path string) (cfg *Config, found bool, err error) {
	cfg, err = Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), false, nil
	}
	return cfg, err == nil, err
}

// Parse decodes and validates YAML data
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// FrameDuration returns frame_duration_ms as a duration
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMS) * time.Millisecond
}

// DecodeTimeout returns decode_timeout_ms as a duration
func (c *Config) DecodeTimeout() time.Duration {
	return time.Duration(c.DecodeTimeoutMS) * time.Millisecond
}

// Preload returns the effective look-ahead window
func (c *Config) Preload() int {
	if c.PreloadCount == nil {
		return DefaultPreloadCount
	}
	return *c.PreloadCount
}

// WorkerEnabled reports whether the decode worker may be started
func (c *Config) WorkerEnabled() bool {
	return c.Worker.Enabled == nil || *c.Worker.Enabled
}
