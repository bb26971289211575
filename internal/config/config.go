// Package config loads guildgate settings from an optional YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	Port           string        `yaml:"-" env:"PORT"`
	SessionSecret  string        `yaml:"session_secret" env:"SESSION_SECRET"`
	SessionTTL     time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	CookieSecure   bool          `yaml:"cookie_secure" env:"COOKIE_SECURE"`
	TrustedProxies []string      `yaml:"trusted_proxies" env:"GUILDGATE_TRUSTED_PROXIES" envSeparator:","`

	Provider  ProviderConfig  `yaml:"provider"`
	Directory DirectoryConfig `yaml:"directory"`
	Roles     RolesConfig     `yaml:"roles"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sentry    SentryConfig    `yaml:"sentry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ProviderConfig selects and configures the OAuth identity provider.
type ProviderConfig struct {
	Kind         string        `yaml:"kind" env:"PROVIDER_KIND"`
	ClientID     string        `yaml:"client_id" env:"DISCORD_CLIENT_ID"`
	ClientSecret string        `yaml:"client_secret" env:"DISCORD_CLIENT_SECRET"`
	CallbackURL  string        `yaml:"callback_url" env:"DISCORD_CALLBACK_URL"`
	IssuerURL    string        `yaml:"issuer_url" env:"OIDC_ISSUER_URL"`
	AuthURL      string        `yaml:"auth_url" env:"DISCORD_AUTH_URL"`
	TokenURL     string        `yaml:"token_url" env:"DISCORD_TOKEN_URL"`
	APIBase      string        `yaml:"api_base" env:"DISCORD_API_BASE"`
	Timeout      time.Duration `yaml:"timeout" env:"PROVIDER_TIMEOUT"`
}

// DirectoryConfig configures the guild member lookup. Leaving GuildID or
// BotToken empty disables it.
type DirectoryConfig struct {
	GuildID  string        `yaml:"guild_id" env:"DISCORD_GUILD_ID"`
	BotToken string        `yaml:"bot_token" env:"DISCORD_BOT_TOKEN"`
	APIBase  string        `yaml:"api_base" env:"DISCORD_API_BASE"`
	Timeout  time.Duration `yaml:"timeout" env:"DIRECTORY_TIMEOUT"`
}

// RolesConfig maps guild role ids onto site tiers.
type RolesConfig struct {
	Owner            string `yaml:"owner" env:"ROLE_OWNER_ID"`
	Admin            string `yaml:"admin" env:"ROLE_ADMIN_ID"`
	Staff            string `yaml:"staff" env:"ROLE_STAFF_ID"`
	Applications     string `yaml:"applications" env:"ROLE_APPLICATIONS_ID"`
	PermanentOwnerID string `yaml:"permanent_owner_id" env:"PERMANENT_OWNER_ID"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER"`
	SQLiteDSN   string `yaml:"sqlite_dsn" env:"SQLITE_DSN"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
}

type SessionsConfig struct {
	Driver    string `yaml:"driver" env:"SESSION_DRIVER"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"GUILDGATE_LOG_LEVEL"`
	Format string `yaml:"format" env:"GUILDGATE_LOG_FORMAT"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"GUILDGATE_METRICS_ENABLED"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn" env:"SENTRY_DSN"`
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT"`
}

type RateLimitConfig struct {
	LoginPerMinute int `yaml:"login_per_minute" env:"LOGIN_RATE_PER_MINUTE"`
}

// Storage and session drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Provider kinds.
const (
	ProviderDiscord = "discord"
	ProviderOIDC    = "oidc"
)

// Default returns a Config with every optional key at its default.
func Default() *Config {
	return &Config{
		Addr:       ":3000",
		SessionTTL: 24 * time.Hour,
		Provider: ProviderConfig{
			Kind:    ProviderDiscord,
			Timeout: 10 * time.Second,
		},
		Directory: DirectoryConfig{Timeout: 5 * time.Second},
		Storage: StorageConfig{
			Driver:    DriverSQLite,
			SQLiteDSN: "file:guildgate.db",
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Metrics:   MetricsConfig{Enabled: true},
		RateLimit: RateLimitConfig{LoginPerMinute: 10},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port != "" && os.Getenv("ADDR") == "" {
		cfg.Addr = ":" + strings.TrimPrefix(cfg.Port, ":")
	}
	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = cfg.Storage.Driver
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or malformed key at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(v, key, envName string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required (set %s or yaml)", key, envName))
		}
	}

	require(c.SessionSecret, "session_secret", "SESSION_SECRET")
	require(c.Provider.ClientID, "provider.client_id", "DISCORD_CLIENT_ID")
	require(c.Provider.ClientSecret, "provider.client_secret", "DISCORD_CLIENT_SECRET")
	require(c.Provider.CallbackURL, "provider.callback_url", "DISCORD_CALLBACK_URL")

	switch c.Provider.Kind {
	case ProviderDiscord:
	case ProviderOIDC:
		require(c.Provider.IssuerURL, "provider.issuer_url", "OIDC_ISSUER_URL")
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q must be %q or %q", c.Provider.Kind, ProviderDiscord, ProviderOIDC))
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		require(c.Storage.DatabaseURL, "storage.database_url", "DATABASE_URL")
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}

	switch c.Sessions.Driver {
	case "", DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Sessions.Driver != c.Storage.Driver {
			errs = append(errs, fmt.Errorf("sessions.driver %q requires storage.driver %q", c.Sessions.Driver, c.Sessions.Driver))
		}
	case DriverRedis:
		require(c.Sessions.RedisAddr, "sessions.redis_addr", "REDIS_ADDR")
	default:
		errs = append(errs, fmt.Errorf("sessions.driver %q is not one of memory, sqlite, postgres, redis", c.Sessions.Driver))
	}

	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session_ttl must be positive"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider.timeout must be positive"))
	}
	if c.Directory.Timeout <= 0 {
		errs = append(errs, errors.New("directory.timeout must be positive"))
	}
	if c.RateLimit.LoginPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.login_per_minute must be positive"))
	}
	return errors.Join(errs...)
}

// DirectoryEnabled reports whether guild role lookup is configured.
func (c *Config) DirectoryEnabled() bool {
	return c.Directory.GuildID != "" && c.Directory.BotToken != ""
}

// SharedStorage reports whether other processes may write the same account
// rows, in which case per-process account caching cannot be invalidated.
func (c *Config) SharedStorage() bool {
	return c.Storage.Driver == DriverPostgres
}
