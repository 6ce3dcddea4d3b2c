package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvJWTSecret, "")

	path := writeConfig(t, `
[database]
url = "postgres://escrow@localhost/escrow"

[ledger]
backend = "postgres"
registration_cost = 5000

[api]
listen = "127.0.0.1:9000"
jwt_secret = "s3cret"
cors_origins = ["https://app.example"]

[relay]
webhook_url = "https://hooks.example/escrow"
max_attempts = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Ledger.Backend != BackendPostgres || cfg.Ledger.RegistrationCost != 5000 {
		t.Errorf("unexpected ledger section %+v", cfg.Ledger)
	}
	if cfg.Ledger.ReservedMinimum != DefaultConfig().Ledger.ReservedMinimum {
		t.Errorf("reserved_minimum lost its default: %d", cfg.Ledger.ReservedMinimum)
	}
	if diff := cmp.Diff([]string{"https://app.example"}, cfg.API.CORSOrigins); diff != "" {
		t.Errorf("cors_origins mismatch (-want +got):\n%s", diff)
	}
	if cfg.Relay.MaxAttempts != 8 || cfg.Relay.BatchSize != 50 {
		t.Errorf("unexpected relay section %+v", cfg.Relay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvJWTSecret, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	ttl, err := cfg.TokenTTLDuration()
	if err != nil || ttl != 24*time.Hour {
		t.Errorf("token ttl = %v, %v", ttl, err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "postgres://env/escrow")
	t.Setenv(EnvJWTSecret, "from-env")

	cfg, err := Load(writeConfig(t, "[database]\nurl = \"postgres://file/escrow\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://env/escrow" {
		t.Errorf("expected env DATABASE_URL to win, got %q", cfg.Database.URL)
	}
	if cfg.API.JWTSecret != "from-env" {
		t.Errorf("expected env secret, got %q", cfg.API.JWTSecret)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "sqlite" }, ErrUnknownBackend},
		{"postgres without url", func(c *Config) { c.Ledger.Backend = BackendPostgres }, ErrMissingDSN},
		{"missing secret", func(c *Config) { c.API.JWTSecret = "" }, ErrMissingSecret},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, ErrUnknownFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.API.JWTSecret = "x"
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.API.JWTSecret = "x"
	cfg.Relay.Interval = "-1s"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative interval to fail")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "")
	t.Setenv(EnvJWTSecret, "")

	cfg := DefaultConfig()
	cfg.API.JWTSecret = "saved"
	path := filepath.Join(t.TempDir(), "out.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
