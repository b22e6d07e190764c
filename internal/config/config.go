package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Recorder RecorderConfig `yaml:"recorder"`
	Filter   FilterConfig   `yaml:"filter"`
	Observer ObserverConfig `yaml:"observer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Log      LogConfig      `yaml:"log"`
}

type RecorderConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxPacketBytes int           `yaml:"max_packet_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"` // 0 disables; a silent client then holds its slot forever
	MaxConnections int           `yaml:"max_connections"`
	QueueSize      int           `yaml:"queue_size"`
}

type FilterConfig struct {
	MakeCommand   string   `yaml:"make_command"`
	Elide         bool     `yaml:"elide"`
	WidthMargin   int      `yaml:"width_margin"`
	Color         string   `yaml:"color"` // "auto" (default), "always", or "never"
	DirectTargets []string `yaml:"direct_targets"`
}

type ObserverConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or env
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the defaults the reporter and recorder agree on.
func DefaultConfig() *Config {
	return &Config{
		Recorder: RecorderConfig{
			Host:           "localhost",
			Port:           8081,
			MaxPacketBytes: 9580,
			ReadTimeout:    30 * time.Second,
			MaxConnections: 1024,
			QueueSize:      256,
		},
		Filter: FilterConfig{
			MakeCommand: "make",
			Elide:       false,
			WidthMargin: 20,
			Color:       "auto",
			// Interactive targets whose output must not be condensed.
			DirectTargets: []string{"run", "runraw", "concurrent-run", "concurrent-runraw"},
		},
		Observer: ObserverConfig{
			SendTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "localhost:9181",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Recorder.Port < 1 || c.Recorder.Port > 65535 {
		return fmt.Errorf("recorder.port must be 1-65535, got %d", c.Recorder.Port)
	}
	if c.Recorder.MaxPacketBytes < 64 {
		return fmt.Errorf("recorder.max_packet_bytes must be >= 64, got %d", c.Recorder.MaxPacketBytes)
	}
	if c.Recorder.ReadTimeout < 0 {
		return fmt.Errorf("recorder.read_timeout must not be negative")
	}
	if c.Recorder.MaxConnections < 1 {
		return fmt.Errorf("recorder.max_connections must be >= 1")
	}
	if c.Recorder.QueueSize < 1 {
		return fmt.Errorf("recorder.queue_size must be >= 1")
	}
	if c.Filter.MakeCommand == "" {
		return fmt.Errorf("filter.make_command must not be empty")
	}
	if c.Filter.WidthMargin < 0 {
		return fmt.Errorf("filter.width_margin must not be negative")
	}
	switch c.Filter.Color {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("filter.color must be auto, always, or never, got %q", c.Filter.Color)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Address returns the recorder's listen address string.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Recorder.Host, strconv.Itoa(c.Recorder.Port))
}
