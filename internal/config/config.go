// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMigrate   bool   `envconfig:"DB_MIGRATE" default:"false"`
	MigrateDir  string `envconfig:"DB_MIGRATE_DIR" default:"db/migrations"`
	RedisURL    string `envconfig:"REDIS_URL"`

	AuthMode       string `envconfig:"AUTH_MODE" default:"dev"`
	AuthHMACSecret string `envconfig:"AUTH_HMAC_SECRET"`
	AuthJWKSURL    string `envconfig:"AUTH_JWKS_URL"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	RateRPS   float64 `envconfig:"RATE_RPS" default:"20"`
	RateBurst int     `envconfig:"RATE_BURST" default:"40"`

	WebhookMaxAttempts int `envconfig:"WEBHOOK_MAX_ATTEMPTS" default:"10"`

	SeedFile      string `envconfig:"SEED_FILE"`
	SeedDefault   bool   `envconfig:"SEED_DEFAULT" default:"true"`
	ETAMinMinutes int    `envconfig:"ETA_MIN_MINUTES" default:"5"`
	ETAMaxMinutes int    `envconfig:"ETA_MAX_MINUTES" default:"15"`
}

// Load reads the environment and checks cross-field constraints.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.ETAMinMinutes < 0 || c.ETAMaxMinutes < c.ETAMinMinutes {
		return fmt.Errorf("config: ETA bounds %d..%d are invalid", c.ETAMinMinutes, c.ETAMaxMinutes)
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	if c.WebhookMaxAttempts <= 0 {
		return fmt.Errorf("config: WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return ":" + c.Port }
