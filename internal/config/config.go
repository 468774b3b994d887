// ABOUTME: YAML configuration loading for the manager daemon
// ABOUTME: Supports ${ENV_VAR} expansion and human-readable durations

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	Router    RouterConfig    `yaml:"router"`
	Health    HealthConfig    `yaml:"health"`
	Manager   ManagerConfig   `yaml:"manager"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the proxy listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TailscaleConfig enables serving on a tailnet instead of plain TCP.
type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	AuthKey  string `yaml:"auth_key"`
	StateDir string `yaml:"state_dir"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig bounds the worker port range.
type RegistryConfig struct {
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
}

// RouterConfig tunes load balancing.
type RouterConfig struct {
	// PerSetRoundRobin keys the rotation counter by candidate set instead
	// of the shared default.
	PerSetRoundRobin bool `yaml:"per_set_round_robin"`
}

// HealthConfig tunes the health sweep.
type HealthConfig struct {
	Interval    string `yaml:"interval"`
	IntervalDur time.Duration `yaml:"-"`
}

// ManagerConfig tunes the auto-restart sweep.
type ManagerConfig struct {
	RestartInterval    string `yaml:"restart_interval"`
	RestartIntervalDur time.Duration `yaml:"-"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads, expands, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "swarm-manager.db",
		},
		Registry: RegistryConfig{
			PortRangeStart: 8100,
			PortRangeEnd:   8199,
		},
		Health: HealthConfig{
			Interval:    "30s",
			IntervalDur: 30 * time.Second,
		},
		Manager: ManagerConfig{
			RestartInterval:    "10s",
			RestartIntervalDur: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// parseDurations converts the raw duration strings.
func (c *Config) parseDurations() error {
	var err error
	if c.Health.Interval != "" {
		c.Health.IntervalDur, err = time.ParseDuration(c.Health.Interval)
		if err != nil {
			return fmt.Errorf("parsing health.interval: %w", err)
		}
	}
	if c.Manager.RestartInterval != "" {
		c.Manager.RestartIntervalDur, err = time.ParseDuration(c.Manager.RestartInterval)
		if err != nil {
			return fmt.Errorf("parsing manager.restart_interval: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Registry.PortRangeStart < 1 || c.Registry.PortRangeEnd > 65535 {
		return fmt.Errorf("registry port range must be within 1-65535")
	}
	if c.Registry.PortRangeStart > c.Registry.PortRangeEnd {
		return fmt.Errorf("registry.port_range_start must not exceed port_range_end")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
