// Package config loads process configuration from environment variables
// (KEYGATE_ prefix) with an optional YAML file underneath. Environment
// values take precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains the control secret and request-guard settings.
type SecurityConfig struct {
	// ControlSecret gates key issuance. Compared in constant time; there
	// is no further authentication layer.
	ControlSecret  string          `yaml:"control_secret" envconfig:"CONTROL_SECRET"`
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output    string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath  string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keygate.log"`
	AddSource bool   `yaml:"add_source" envconfig:"ADD_SOURCE" default:"false"`
}

// Supported store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
)

// StoreConfig selects and configures the key store medium.
type StoreConfig struct {
	// Driver is one of "memory", "postgres", "redis".
	Driver string `yaml:"driver" envconfig:"DRIVER" default:"memory"`
	// DSN is the postgres connection string or redis URL. Unused by the
	// memory driver.
	DSN string `yaml:"dsn" envconfig:"DSN"`
	// Timeout bounds every call to a remote medium. A timeout is a
	// persistence failure, never an assumed success.
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"5s"`
	// Migrate runs embedded schema migrations at startup (postgres only).
	Migrate bool `yaml:"migrate" envconfig:"MIGRATE" default:"true"`
}

// Load reads configuration from the environment and, when present, the file
// named by KEYGATE_CONFIG_FILE (default "config.yaml").
func Load() (*Config, error) {
	var cfg Config

	if path := configFilePath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment overrides file values and fills defaults.
	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func configFilePath() string {
	if path := os.Getenv("KEYGATE_CONFIG_FILE"); path != "" {
		return path
	}
	return "config.yaml"
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Security.ControlSecret == "" {
		return fmt.Errorf("security control_secret is required")
	}
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres, StoreDriverRedis:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	return nil
}
