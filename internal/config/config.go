// Package config loads and watches the tracker's YAML configuration.
// Secrets are never stored in the file; fields name the environment
// variables that hold them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultListenAddr        = ":8080"
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultMaxAttempts       = 3
	DefaultTimelineTTL       = 30 * time.Minute
	DefaultReadinessTTL      = 10 * time.Minute
	DefaultQuotaTTL          = 5 * time.Minute
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultRateLimitCapacity = 30
	DefaultSlowThreshold     = 24 * time.Hour
)

// Config is the top-level configuration. Fields map 1:1 to
// config.example.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GitHub    GitHubConfig    `yaml:"github"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GitHubConfig holds upstream API settings.
type GitHubConfig struct {
	// TokenEnv names the environment variable holding a personal
	// access token. Ignored when UseAppAuth is set.
	TokenEnv string `yaml:"token_env"`

	// App auth fields; the key itself comes from GITHUB_APP_KEY or
	// GITHUB_APP_KEY_PATH.
	AppID      string `yaml:"app_id"`
	AppKeyPath string `yaml:"app_key_path"`
	UseAppAuth bool   `yaml:"use_app_auth"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// MaxAttempts bounds retries per upstream request.
	MaxAttempts uint `yaml:"max_attempts"`
}

// Token returns the personal access token resolved from the environment.
func (g GitHubConfig) Token() string {
	if g.TokenEnv == "" {
		return ""
	}
	return os.Getenv(g.TokenEnv)
}

// DatabaseConfig selects the PR record store.
type DatabaseConfig struct {
	// Backend is one of: memory | postgres.
	Backend string `yaml:"backend"`

	// DSNEnv names the environment variable holding the Postgres DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the Postgres connection string resolved from the environment.
func (d DatabaseConfig) DSN() string {
	if d.DSNEnv == "" {
		return ""
	}
	return os.Getenv(d.DSNEnv)
}

// CacheConfig holds per-concern TTLs.
type CacheConfig struct {
	TimelineTTL  time.Duration `yaml:"timeline_ttl"`
	ReadinessTTL time.Duration `yaml:"readiness_ttl"`
	QuotaTTL     time.Duration `yaml:"quota_ttl"`
}

// RateLimitConfig holds the per-client sliding window knobs.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window"`
	Capacity int           `yaml:"capacity"`
}

// AnalysisConfig holds review analyzer knobs.
type AnalysisConfig struct {
	// SlowResponseThreshold is the mean feedback-loop response time
	// above which a review cycle is classified slow.
	SlowResponseThreshold time.Duration `yaml:"slow_response_threshold"`
}

// WebhookConfig holds GitHub webhook settings.
type WebhookConfig struct {
	// SecretEnv names the environment variable holding the webhook
	// HMAC secret. Empty secret disables signature verification.
	SecretEnv string `yaml:"secret_env"`
}

// Secret returns the webhook secret resolved from the environment.
func (w WebhookConfig) Secret() string {
	if w.SecretEnv == "" {
		return ""
	}
	return os.Getenv(w.SecretEnv)
}

// Load reads and parses the YAML config file at path. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		GitHub: GitHubConfig{
			TokenEnv:    "GITHUB_TOKEN",
			HTTPTimeout: DefaultHTTPTimeout,
			MaxAttempts: DefaultMaxAttempts,
		},
		Database: DatabaseConfig{
			Backend: "memory",
			DSNEnv:  "DATABASE_URL",
		},
		Cache: CacheConfig{
			TimelineTTL:  DefaultTimelineTTL,
			ReadinessTTL: DefaultReadinessTTL,
			QuotaTTL:     DefaultQuotaTTL,
		},
		RateLimit: RateLimitConfig{
			Window:   DefaultRateLimitWindow,
			Capacity: DefaultRateLimitCapacity,
		},
		Analysis: AnalysisConfig{
			SlowResponseThreshold: DefaultSlowThreshold,
		},
		Webhook: WebhookConfig{
			SecretEnv: "GITHUB_WEBHOOK_SECRET",
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	switch cfg.Database.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("database.backend must be memory or postgres, got %q", cfg.Database.Backend)
	}
	if cfg.Database.Backend == "postgres" && cfg.Database.DSNEnv == "" {
		return fmt.Errorf("database.dsn_env is required for the postgres backend")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if cfg.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive")
	}
	for name, ttl := range map[string]time.Duration{
		"cache.timeline_ttl":  cfg.Cache.TimelineTTL,
		"cache.readiness_ttl": cfg.Cache.ReadinessTTL,
		"cache.quota_ttl":     cfg.Cache.QuotaTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Analysis.SlowResponseThreshold <= 0 {
		return fmt.Errorf("analysis.slow_response_threshold must be positive")
	}
	if cfg.GitHub.UseAppAuth && cfg.GitHub.AppID == "" && os.Getenv("GITHUB_APP_ID") == "" {
		return fmt.Errorf("github.app_id is required when use_app_auth is set")
	}
	return nil
}
