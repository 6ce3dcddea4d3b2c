// Package config loads escrowd settings from TOML.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the escrowd configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Ledger   LedgerConfig   `toml:"ledger"`
	API      APIConfig      `toml:"api"`
	Relay    RelayConfig    `toml:"relay"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type LedgerConfig struct {
	Backend          string `toml:"backend"`
	RegistrationCost uint64 `toml:"registration_cost"`
	ReservedMinimum  uint64 `toml:"reserved_minimum"`
}

type APIConfig struct {
	Listen      string   `toml:"listen"`
	JWTSecret   string   `toml:"jwt_secret"`
	TokenTTL    string   `toml:"token_ttl"`
	CORSOrigins []string `toml:"cors_origins"`
}

type RelayConfig struct {
	WebhookURL    string  `toml:"webhook_url"`
	Interval      string  `toml:"interval"`
	BatchSize     int     `toml:"batch_size"`
	MaxAttempts   int     `toml:"max_attempts"`
	RatePerSecond float64 `toml:"rate_per_second"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

var (
	ErrUnknownBackend = errors.New("config: unknown ledger backend")
	ErrMissingDSN     = errors.New("config: postgres backend requires database.url")
	ErrMissingSecret  = errors.New("config: api.jwt_secret is required")
	ErrUnknownFormat  = errors.New("config: unknown logging format")
)

// TokenTTLDuration parses api.token_ttl.
func (c *Config) TokenTTLDuration() (time.Duration, error) {
	return parseDuration("api.token_ttl", c.API.TokenTTL)
}

// RelayInterval parses relay.interval.
func (c *Config) RelayInterval() (time.Duration, error) {
	return parseDuration("relay.interval", c.Relay.Interval)
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Ledger.Backend)
	}
	if c.API.JWTSecret == "" {
		return ErrMissingSecret
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, c.Logging.Format)
	}
	if _, err := c.TokenTTLDuration(); err != nil {
		return err
	}
	if _, err := c.RelayInterval(); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return d, nil
}
