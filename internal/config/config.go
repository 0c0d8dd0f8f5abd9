// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/switchboard/internal/ratelimit"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Accounts     AccountsConfig     `yaml:"accounts"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds coordination session settings
type SessionsConfig struct {
	StaleAfter time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StaleAfterRaw string `yaml:"stale_after"`
}

// OrchestratorConfig holds agent process orchestration settings
type OrchestratorConfig struct {
	AllowedDirs   []string `yaml:"allowed_dirs"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	DataDir       string   `yaml:"data_dir"`
	Command       []string `yaml:"command"`

	DefaultTimeout time.Duration `yaml:"-"`
	MaxTimeout     time.Duration `yaml:"-"`
	KillGrace      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout"`
	KillGraceRaw      string `yaml:"kill_grace"`
}

// AccountsConfig holds the usage snapshot file location and reset window
type AccountsConfig struct {
	Path string `yaml:"path"`

	ResetPeriod time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ResetPeriodRaw string `yaml:"reset_period"`
}

// RateLimitConfig holds per-service admission policies and the HTTP guard
type RateLimitConfig struct {
	// Services maps a service name to a policy string:
	// "none", "rpm:<limit>", or "concurrency:<limit>"
	Services map[string]string `yaml:"services"`
	Guard    GuardConfig       `yaml:"guard"`
}

// GuardConfig holds the per-client HTTP rate guard settings
type GuardConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in settings that have sensible defaults when omitted
func (c *Config) applyDefaults() {
	if c.Sessions.StaleAfter == 0 {
		c.Sessions.StaleAfter = 24 * time.Hour
	}
	if c.Orchestrator.MaxConcurrent == 0 {
		c.Orchestrator.MaxConcurrent = 3
	}
	if c.Orchestrator.DefaultTimeout == 0 {
		c.Orchestrator.DefaultTimeout = 5 * time.Minute
	}
	if c.Orchestrator.MaxTimeout == 0 {
		c.Orchestrator.MaxTimeout = 30 * time.Minute
	}
	if c.Orchestrator.KillGrace == 0 {
		c.Orchestrator.KillGrace = 5 * time.Second
	}
	if c.Accounts.ResetPeriod == 0 {
		c.Accounts.ResetPeriod = 7 * 24 * time.Hour
	}
	if c.RateLimit.Guard.RPS == 0 {
		c.RateLimit.Guard.RPS = 10
	}
	if c.RateLimit.Guard.Burst == 0 {
		c.RateLimit.Guard.Burst = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
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

	if c.Orchestrator.DataDir == "" {
		return fmt.Errorf("orchestrator.data_dir is required")
	}
	if len(c.Orchestrator.AllowedDirs) == 0 {
		return fmt.Errorf("orchestrator.allowed_dirs must list at least one directory")
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be at least 1")
	}
	if c.Orchestrator.MaxTimeout < c.Orchestrator.DefaultTimeout {
		return fmt.Errorf("orchestrator.max_timeout must be >= default_timeout")
	}

	for service, raw := range c.RateLimit.Services {
		if _, err := ratelimit.ParsePolicy(raw); err != nil {
			return fmt.Errorf("ratelimit.services.%s: %w", service, err)
		}
	}

	return nil
}

// ServicePolicies returns the parsed admission policy per service.
// Only valid after Validate has passed.
func (c *Config) ServicePolicies() map[string]ratelimit.Policy {
	policies := make(map[string]ratelimit.Policy, len(c.RateLimit.Services))
	for service, raw := range c.RateLimit.Services {
		policy, err := ratelimit.ParsePolicy(raw)
		if err != nil {
			continue
		}
		policies[service] = policy
	}
	return policies
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.StaleAfterRaw != "" {
		cfg.Sessions.StaleAfter, err = time.ParseDuration(cfg.Sessions.StaleAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_after %q: %w", cfg.Sessions.StaleAfterRaw, err)
		}
	}

	if cfg.Orchestrator.DefaultTimeoutRaw != "" {
		cfg.Orchestrator.DefaultTimeout, err = time.ParseDuration(cfg.Orchestrator.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.Orchestrator.DefaultTimeoutRaw, err)
		}
	}

	if cfg.Orchestrator.MaxTimeoutRaw != "" {
		cfg.Orchestrator.MaxTimeout, err = time.ParseDuration(cfg.Orchestrator.MaxTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing max_timeout %q: %w", cfg.Orchestrator.MaxTimeoutRaw, err)
		}
	}

	if cfg.Orchestrator.KillGraceRaw != "" {
		cfg.Orchestrator.KillGrace, err = time.ParseDuration(cfg.Orchestrator.KillGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing kill_grace %q: %w", cfg.Orchestrator.KillGraceRaw, err)
		}
	}

	if cfg.Accounts.ResetPeriodRaw != "" {
		cfg.Accounts.ResetPeriod, err = time.ParseDuration(cfg.Accounts.ResetPeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing reset_period %q: %w", cfg.Accounts.ResetPeriodRaw, err)
		}
	}

	return nil
}
