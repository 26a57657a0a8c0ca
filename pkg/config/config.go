// Package config loads the ortofix configuration from an optional YAML file,
// a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks configuration that prevents the process from starting.
var ErrConfiguration = errors.New("configuration error")

// DefaultKeysEnv is the environment variable holding the upstream credential list.
const DefaultKeysEnv = "GEMINI_API_KEYS"

// Config represents the complete ortofix configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Persona  PersonaConfig  `yaml:"persona"`
	Sessions SessionsConfig `yaml:"sessions"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadTimeout    time.Duration `yaml:"-"`
	ReadTimeoutRaw string        `yaml:"read_timeout"`
}

// UpstreamConfig selects the remote model and where its credentials come from.
type UpstreamConfig struct {
	Model   string `yaml:"model"`
	KeysEnv string `yaml:"keys_env"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// PersonaConfig points at an optional file replacing the built-in instruction.
type PersonaConfig struct {
	File string `yaml:"file"`
}

// SessionsConfig controls session cookies and conversation lifetime.
type SessionsConfig struct {
	CookieName         string `yaml:"cookie_name"`
	InvalidateOnRotate bool   `yaml:"invalidate_on_rotate"`

	// IdleTimeout of zero keeps conversations for the lifetime of the process.
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LedgerConfig holds the usage ledger location. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":5000",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    30 * time.Second,
		},
		Upstream: UpstreamConfig{
			Model:   "gemini-2.0-flash",
			KeysEnv: DefaultKeysEnv,
			Timeout: 60 * time.Second,
		},
		Sessions: SessionsConfig{
			CookieName:    "ortofix_session",
			SweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. The .env file in the working directory is
// loaded first (a missing file is not an error), then the YAML file at path if
// path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file: %v", ErrConfiguration, err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %v", ErrConfiguration, err)
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing durations: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORTOFIX_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ORTOFIX_MODEL"); v != "" {
		cfg.Upstream.Model = v
	}
	if v := os.Getenv("ORTOFIX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORTOFIX_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
// Fields left empty keep their defaults.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeoutRaw, &cfg.Server.ReadTimeout},
		{"upstream.timeout", cfg.Upstream.TimeoutRaw, &cfg.Upstream.Timeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
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
	return nil
}

// Validate checks that all required fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(c.Upstream.Model) == "" {
		return fmt.Errorf("upstream.model is required")
	}
	if c.Upstream.KeysEnv == "" {
		return fmt.Errorf("upstream.keys_env is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Sessions.CookieName == "" {
		return fmt.Errorf("sessions.cookie_name is required")
	}
	if c.Sessions.IdleTimeout < 0 {
		return fmt.Errorf("sessions.idle_timeout must not be negative")
	}
	if c.Sessions.IdleTimeout > 0 && c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive when idle_timeout is set")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
