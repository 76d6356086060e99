// ABOUTME: Configuration loading and parsing for fleetgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Commands  CommandsConfig  `yaml:"commands"`
	Watchlist WatchlistConfig `yaml:"watchlist"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address and identity configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Name     string `yaml:"name"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret protects the HTTP API. Agent authentication always uses
	// per-agent tokens checked against the store.
	JWTSecret string `yaml:"jwt_secret"`
}

// CommandsConfig holds command correlation timing configuration
type CommandsConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// WatchlistConfig holds watchlist remediation timing configuration
type WatchlistConfig struct {
	RestartTimeout time.Duration `yaml:"-"`
	Cooldown       time.Duration `yaml:"-"`

	RestartTimeoutRaw string `yaml:"restart_timeout"`
	CooldownRaw       string `yaml:"cooldown"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills timing fields that were not configured.
func (c *Config) applyDefaults() {
	if c.Commands.DefaultTimeout == 0 {
		c.Commands.DefaultTimeout = 60 * time.Second
	}
	if c.Watchlist.RestartTimeout == 0 {
		c.Watchlist.RestartTimeout = 15 * time.Second
	}
	if c.Watchlist.Cooldown == 0 {
		c.Watchlist.Cooldown = 20 * time.Second
	}
	if c.Server.Name == "" {
		c.Server.Name = "fleetgate"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Commands.DefaultTimeoutRaw != "" {
		cfg.Commands.DefaultTimeout, err = time.ParseDuration(cfg.Commands.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.Commands.DefaultTimeoutRaw, err)
		}
	}

	if cfg.Watchlist.RestartTimeoutRaw != "" {
		cfg.Watchlist.RestartTimeout, err = time.ParseDuration(cfg.Watchlist.RestartTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing restart_timeout %q: %w", cfg.Watchlist.RestartTimeoutRaw, err)
		}
	}

	if cfg.Watchlist.CooldownRaw != "" {
		cfg.Watchlist.Cooldown, err = time.ParseDuration(cfg.Watchlist.CooldownRaw)
		if err != nil {
			return fmt.Errorf("parsing cooldown %q: %w", cfg.Watchlist.CooldownRaw, err)
		}
	}

	return nil
}
