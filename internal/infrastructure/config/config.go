package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration. Every knob is explicit; nothing
// reads ambient state after Load returns.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Auth         AuthConfig         `koanf:"auth"`
	Verification VerificationConfig `koanf:"verification"`
	Sweeper      SweeperConfig      `koanf:"sweeper"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// PolicyCacheTTL bounds staleness of the active-policy cache.
	PolicyCacheTTL time.Duration `koanf:"policy_cache_ttl"`
	// EventStream is the redis stream notifications are published to.
	EventStream string `koanf:"event_stream"`
}

type AuthConfig struct {
	JWTSecret   string        `koanf:"jwt_secret"`
	TokenExpiry time.Duration `koanf:"token_expiry"`
}

// VerificationConfig tunes the reconciliation core.
type VerificationConfig struct {
	AutoApproveThreshold float64       `koanf:"auto_approve_threshold"`
	MatchWindow          time.Duration `koanf:"match_window"`
	MaxRetryAttempts     int           `koanf:"max_retry_attempts"`
	RetryBackoff         time.Duration `koanf:"retry_backoff"`
}

// SweeperConfig tunes the expiry sweep daemon.
type SweeperConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate"`
}

// Load reads configuration in order of increasing precedence: built-in
// defaults, configs/config.yaml if present, then PGATE_ environment
// variables (PGATE_SERVER_PORT maps to server.port).
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PolicyCacheTTL: time.Minute,
			EventStream:    "pgate:events",
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Verification: VerificationConfig{
			AutoApproveThreshold: 0.9,
			MatchWindow:          30 * time.Minute,
			MaxRetryAttempts:     3,
			RetryBackoff:         50 * time.Millisecond,
		},
		Sweeper: SweeperConfig{
			Interval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			SampleRate: 0.1,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// The config file is optional; environments that configure purely
	// through the environment run without one.
	_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())

	if err := k.Load(env.Provider("PGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "PGATE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing later in a request path.
func (c *Config) Validate() error {
	if c.Verification.AutoApproveThreshold <= 0 || c.Verification.AutoApproveThreshold > 1 {
		return fmt.Errorf("verification.auto_approve_threshold must be in (0, 1], got %v", c.Verification.AutoApproveThreshold)
	}
	if c.Verification.MatchWindow <= 0 {
		return fmt.Errorf("verification.match_window must be positive, got %v", c.Verification.MatchWindow)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Environment != "development" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required outside development")
	}
	return nil
}

// IsDevelopment reports whether the process runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
