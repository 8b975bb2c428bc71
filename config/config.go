package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Web       WebConfig       `yaml:"web"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // optional log file, rotated; empty = stdout only
}

// WebConfig contains web server settings
type WebConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	Path string `yaml:"path"` // bolt database file
}

// PortRange bounds the UDP ports eligible for scanning
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// TelemetryConfig contains the scanner and listener settings
type TelemetryConfig struct {
	PortRange        PortRange `yaml:"port_range"`
	MaxPorts         int       `yaml:"max_ports"`
	ThreadPoolSize   int       `yaml:"thread_pool_size"`
	IdleThresholdMs  int       `yaml:"idle_threshold_ms"`
	ScannerTimeoutMs int       `yaml:"scanner_timeout_ms"`
	BufferSize       int       `yaml:"buffer_size"`
	StaleThresholdMs int       `yaml:"stale_threshold_ms"`
}

// Load reads configuration from a YAML file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/telemetry.db"
	}
	if cfg.Telemetry.StaleThresholdMs == 0 {
		cfg.Telemetry.StaleThresholdMs = 10000
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	t := c.Telemetry
	if t.PortRange.Min <= 0 || t.PortRange.Min > 65535 {
		return fmt.Errorf("telemetry.port_range.min must be between 1 and 65535")
	}
	if t.PortRange.Max <= 0 || t.PortRange.Max > 65535 {
		return fmt.Errorf("telemetry.port_range.max must be between 1 and 65535")
	}
	if t.PortRange.Max < t.PortRange.Min {
		return fmt.Errorf("telemetry.port_range.max must not be below port_range.min")
	}
	if t.MaxPorts <= 0 {
		return fmt.Errorf("telemetry.max_ports must be greater than 0")
	}
	if t.ThreadPoolSize <= 0 {
		return fmt.Errorf("telemetry.thread_pool_size must be greater than 0")
	}
	if t.IdleThresholdMs < 1000 {
		return fmt.Errorf("telemetry.idle_threshold_ms must be at least 1000")
	}
	if t.ScannerTimeoutMs < 1000 {
		return fmt.Errorf("telemetry.scanner_timeout_ms must be at least 1000")
	}
	if t.BufferSize < 265 {
		return fmt.Errorf("telemetry.buffer_size must be at least 265")
	}
	if t.StaleThresholdMs < 1000 {
		return fmt.Errorf("telemetry.stale_threshold_ms must be at least 1000")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 1 and 65535")
	}
	return nil
}

// Save writes the configuration to a YAML file
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
