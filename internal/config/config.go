// ABOUTME: Configuration loading and parsing for the tool broker
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultGRPCAddr          = "0.0.0.0:50051"
	DefaultInvocationTimeout = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReplayWindow      = 5 * time.Minute
	DefaultMaxMessageBytes   = 1 << 20
	DefaultMetricsPath       = "/metrics"
)

// Config represents the complete broker configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Broker   BrokerConfig   `yaml:"broker" toml:"broker"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listen addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// BrokerConfig holds invocation and transport tuning
type BrokerConfig struct {
	InvocationTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	ReplayWindow      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	InvocationTimeoutRaw string `yaml:"invocation_timeout" toml:"invocation_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	ReplayWindowRaw      string `yaml:"replay_window" toml:"replay_window"`

	// InvocationTimeoutMS is used when invocation_timeout is not set.
	InvocationTimeoutMS int `yaml:"invocation_timeout_ms" toml:"invocation_timeout_ms"`

	MaxMessageBytes int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

// DatabaseConfig holds the invocation history database. An empty path
// disables history.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.invocation_timeout", cfg.Broker.InvocationTimeoutRaw, &cfg.Broker.InvocationTimeout},
		{"broker.write_timeout", cfg.Broker.WriteTimeoutRaw, &cfg.Broker.WriteTimeout},
		{"broker.replay_window", cfg.Broker.ReplayWindowRaw, &cfg.Broker.ReplayWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if cfg.Broker.InvocationTimeoutRaw == "" && cfg.Broker.InvocationTimeoutMS != 0 {
		cfg.Broker.InvocationTimeout = time.Duration(cfg.Broker.InvocationTimeoutMS) * time.Millisecond
	}
	return nil
}

// applyDefaults fills every unset field. Explicit invalid values such as a
// negative timeout are left for Validate to report.
func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Broker.InvocationTimeout == 0 && cfg.Broker.InvocationTimeoutRaw == "" && cfg.Broker.InvocationTimeoutMS == 0 {
		cfg.Broker.InvocationTimeout = DefaultInvocationTimeout
	}
	if cfg.Broker.WriteTimeout == 0 && cfg.Broker.WriteTimeoutRaw == "" {
		cfg.Broker.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Broker.ReplayWindow == 0 && cfg.Broker.ReplayWindowRaw == "" {
		cfg.Broker.ReplayWindow = DefaultReplayWindow
	}
	if cfg.Broker.MaxMessageBytes == 0 {
		cfg.Broker.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Broker.InvocationTimeout <= 0 {
		return fmt.Errorf("broker.invocation_timeout must be positive, got %s", c.Broker.InvocationTimeout)
	}
	if c.Broker.WriteTimeout <= 0 {
		return fmt.Errorf("broker.write_timeout must be positive, got %s", c.Broker.WriteTimeout)
	}
	if c.Broker.ReplayWindow <= 0 {
		return fmt.Errorf("broker.replay_window must be positive, got %s", c.Broker.ReplayWindow)
	}
	if c.Broker.MaxMessageBytes < 0 {
		return fmt.Errorf("broker.max_message_bytes must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if err := validateMetricsPath(c.Metrics.Path); err != nil {
			return err
		}
	}

	return nil
}

// ReservedPaths are served by the broker itself and cannot host metrics.
var ReservedPaths = []string{
	"/ws", "/mcp", "/health", "/health/ready",
	"/api/tools", "/api/agents", "/api/invocations",
}

// validateMetricsPath rejects paths the HTTP mux would refuse or that collide
// with a broker route.
func validateMetricsPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if strings.ContainsAny(p, "{} \t") {
		return fmt.Errorf("metrics.path %q must be a plain path", p)
	}
	if slices.Contains(ReservedPaths, p) {
		return fmt.Errorf("metrics.path %q is already served by the broker", p)
	}
	return nil
}
