package config

import "escrowflow/agent"

// DefaultConfig returns an in-memory setup listening on :8080.
func DefaultConfig() *Config {
	ledger := agent.DefaultConfig()
	return &Config{
		Ledger: LedgerConfig{
			Backend:          BackendMemory,
			RegistrationCost: ledger.RegistrationCost,
			ReservedMinimum:  ledger.ReservedMinimum,
		},
		API: APIConfig{
			Listen:      ":8080",
			TokenTTL:    "24h",
			CORSOrigins: []string{"*"},
		},
		Relay: RelayConfig{
			Interval:      "2s",
			BatchSize:     50,
			MaxAttempts:   5,
			RatePerSecond: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
