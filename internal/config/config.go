// ABOUTME: Configuration loading and parsing for the swarm binaries.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration shared by the coordinator and
// worker binaries. Each binary validates only the section it uses.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CoordinatorConfig holds the acceptor side's settings.
type CoordinatorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Secret     string `yaml:"secret"`
	LimitsPath string `yaml:"limits_path"`

	BroadcastTimeout time.Duration `yaml:"-"`
	FlushInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BroadcastTimeoutRaw string `yaml:"broadcast_timeout"`
	FlushIntervalRaw    string `yaml:"flush_interval"`
}

// WorkerConfig holds the initiator side's settings.
type WorkerConfig struct {
	CoordinatorAddr string `yaml:"coordinator_addr"`
	Secret          string `yaml:"secret"`

	RequestTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// DatabaseConfig holds the usage store's location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ValidateCoordinator checks the fields the coordinator binary requires.
func (c *Config) ValidateCoordinator() error {
	if c.Coordinator.ListenAddr == "" {
		return fmt.Errorf("coordinator.listen_addr is required")
	}
	if c.Coordinator.Secret == "" {
		return fmt.Errorf("coordinator.secret is required")
	}
	return nil
}

// ValidateWorker checks the fields the worker binary requires.
func (c *Config) ValidateWorker() error {
	if c.Worker.CoordinatorAddr == "" {
		return fmt.Errorf("worker.coordinator_addr is required")
	}
	if c.Worker.Secret == "" {
		return fmt.Errorf("worker.secret is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Coordinator.BroadcastTimeoutRaw != "" {
		cfg.Coordinator.BroadcastTimeout, err = time.ParseDuration(cfg.Coordinator.BroadcastTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing broadcast_timeout %q: %w", cfg.Coordinator.BroadcastTimeoutRaw, err)
		}
	}

	if cfg.Coordinator.FlushIntervalRaw != "" {
		cfg.Coordinator.FlushInterval, err = time.ParseDuration(cfg.Coordinator.FlushIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing flush_interval %q: %w", cfg.Coordinator.FlushIntervalRaw, err)
		}
	}

	if cfg.Worker.RequestTimeoutRaw != "" {
		cfg.Worker.RequestTimeout, err = time.ParseDuration(cfg.Worker.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Worker.RequestTimeoutRaw, err)
		}
	}

	return nil
}
