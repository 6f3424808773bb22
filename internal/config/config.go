package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Name          string `yaml:"name"`
	User          string `yaml:"user"`
	Password      string `yaml:"-"` // env-only, never in YAML
	PoolMax       int    `yaml:"pool_max"`
	PoolIdleMs    int64  `yaml:"pool_idle_ms"`
	PoolConnectMs int64  `yaml:"pool_connect_ms"`
}

// URL renders the pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// SyncConfig contains batch ceilings for the push/pull protocol.
type SyncConfig struct {
	PullMaxBatch int `yaml:"pull_max_batch"`
	PushMaxBatch int `yaml:"push_max_batch"`
}

// AuthConfig contains JWT authentication settings.
type AuthConfig struct {
	HS256Secret string `yaml:"-"` // env-only, never in YAML
	DevMode     bool   `yaml:"dev_mode"`
}

// RateLimitConfig describes the per-user token bucket policy.
type RateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
	Burst         int `yaml:"burst"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("ENGINESYNC_CONFIG_PATH", "config/enginesync.yaml")

	// Missing config file is not an error; defaults plus env apply
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8081",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Name:          "enginesync",
			User:          "enginesync",
			PoolMax:       10,
			PoolIdleMs:    30_000,
			PoolConnectMs: 5_000,
		},
		Sync: SyncConfig{
			PullMaxBatch: 1000,
			PushMaxBatch: 1000,
		},
		Auth: AuthConfig{
			HS256Secret: "dev-secret-change-in-production",
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   600,
			Burst:         120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("ENGINESYNC_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	// Database
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = n
		}
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolMax = n
		}
	}
	if v := os.Getenv("POOL_IDLE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Database.PoolIdleMs = n
		}
	}
	if v := os.Getenv("POOL_CONNECT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Database.PoolConnectMs = n
		}
	}

	// Sync batch ceilings
	if v := os.Getenv("PULL_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullMaxBatch = n
		}
	}
	if v := os.Getenv("PUSH_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushMaxBatch = n
		}
	}

	// Auth
	if v := os.Getenv("JWT_HS256_SECRET"); v != "" {
		cfg.Auth.HS256Secret = v
	}
	if v := os.Getenv("ENGINESYNC_DEV_MODE"); v != "" {
		cfg.Auth.DevMode = v == "true" || v == "1"
	}

	// Log
	if v := os.Getenv("ENGINESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ENGINESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.Database.PoolMax <= 0 {
		return fmt.Errorf("pool_max must be positive, got %d", c.Database.PoolMax)
	}
	if c.Sync.PullMaxBatch <= 0 || c.Sync.PushMaxBatch <= 0 {
		return fmt.Errorf("batch ceilings must be positive")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
