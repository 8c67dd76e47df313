// Package config loads and validates all runtime configuration for the gateway.
//
// Process-level settings (ports, tokens, connection URLs) are read from
// environment variables, with a .env file honoured when present. The two
// declarative routing documents (model table, user table) are NOT loaded
// here — see internal/registry, which owns their parsing and caching.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the optional config.yaml
// in the working directory uses the same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Defaults documented in the README; override via environment.
const (
	DefaultMasterToken = "sk-gateway-master-token"
	DefaultPort        = 8080
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// MasterToken is the administrator bearer token. Requests presenting it
	// bypass the user table and dispatch with the "admin" identity.
	MasterToken string

	// RoutingConfigPath is the path to the routing document (model_list).
	// An empty value yields an empty routing table rather than an error.
	RoutingConfigPath string

	// UserConfigPath is the path to the user document (user_list).
	// An empty value yields an empty user table rather than an error.
	UserConfigPath string

	// Redis holds the connection URL for the per-tenant rate limiter.
	// Empty disables rate limiting entirely.
	Redis RedisConfig

	// RateLimit controls per-tenant request-rate limiting.
	RateLimit RateLimitConfig

	// ClickHouse holds the optional request-log sink address. Empty means
	// request logs go to slog only.
	ClickHouse ClickHouseConfig

	// Credential configures the client-credentials token acquisition used for
	// backends that require dynamically issued bearer tokens.
	Credential CredentialConfig

	// CORSOrigins is the allowed CORS origin list. Empty allows all origins.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls per-tenant request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per tenant.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// ClickHouseConfig holds the optional analytics sink configuration.
type ClickHouseConfig struct {
	// Addr is a host:port pair, e.g. "localhost:9000". Empty disables the sink.
	Addr     string
	Database string
	Username string
	Password string
}

// CredentialConfig tunes the credential provider cache.
type CredentialConfig struct {
	// Scope is the OAuth2 scope requested when acquiring bearer tokens.
	// Default: "https://cognitiveservices.azure.com/.default".
	Scope string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", DefaultPort)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_MASTER_TOKEN", DefaultMasterToken)
	v.SetDefault("ROUTING_CONFIG", "config/routing.yaml")
	v.SetDefault("USER_CONFIG", "config/users.yaml")
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("CREDENTIAL_SCOPE", "https://cognitiveservices.azure.com/.default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		MasterToken: v.GetString("GATEWAY_MASTER_TOKEN"),

		RoutingConfigPath: v.GetString("ROUTING_CONFIG"),
		UserConfigPath:    v.GetString("USER_CONFIG"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Credential: CredentialConfig{
			Scope: v.GetString("CREDENTIAL_SCOPE"),
		},

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.MasterToken == "" {
		return fmt.Errorf("config: GATEWAY_MASTER_TOKEN must not be empty")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	return nil
}

// splitList parses a comma-separated value into trimmed non-empty elements.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
