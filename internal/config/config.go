// Package config loads and validates the host daemon's YAML configuration:
// the serial port, the tunable protocol timing constants, and the optional
// S3 archive destination for finished session logs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration (spec §6's host-side settings).
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Timing  TimingConfig  `yaml:"timing"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Archive ArchiveConfig `yaml:"archive"`
}

// SerialConfig names the device's serial port and baud rate.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// TimingConfig holds the protocol timing constants read from the file; Load
// replaces a zero value for any field with the compiled-in default (spec §4
// "implementation-defined within range" constants). cmd/neurolinkd does not
// pass these values on: the Session uses the package defaults of
// internal/neuro/conn and internal/neuro/transport.
type TimingConfig struct {
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	FeedingInterval   time.Duration `yaml:"feeding_interval"`
	BadPortRetryDelay time.Duration `yaml:"bad_port_retry_delay"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
}

// LoggingConfig configures the slog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ArchiveConfig configures the optional S3 upload of finished session logs.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// Load reads, parses, and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaultsAndValidate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}

	if c.Timing.WriteTimeout <= 0 {
		c.Timing.WriteTimeout = 300 * time.Millisecond
	}
	if c.Timing.FeedingInterval <= 0 {
		c.Timing.FeedingInterval = 3500 * time.Millisecond
	}
	if c.Timing.FeedingInterval < 3*time.Second || c.Timing.FeedingInterval > 4*time.Second {
		return fmt.Errorf("timing.feeding_interval must be between 3s and 4s, got %s", c.Timing.FeedingInterval)
	}
	if c.Timing.BadPortRetryDelay <= 0 {
		c.Timing.BadPortRetryDelay = 3 * time.Second
	}
	if c.Timing.ReadTimeout <= 0 {
		c.Timing.ReadTimeout = 500 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "./logs"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is true")
	}

	return nil
}
