package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvJWTSecret   = "ESCROWD_JWT_SECRET"
)

// Load reads config from path, applying defaults for missing values and then
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.API.JWTSecret = v
	}
}

// Save writes config to path.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
