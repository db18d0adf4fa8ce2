// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the wager engine's runtime configuration.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	RedisURL        string        `env:"REDIS_URL"`
	CacheTTL        time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// AuthorityIdentity may initialize the oracle and cancel rounds.
	// Empty means initialization is open and cancel is disabled.
	AuthorityIdentity string `env:"AUTHORITY_IDENTITY"`
	// OracleIdentity, if set, initializes the oracle at startup.
	OracleIdentity string `env:"ORACLE_IDENTITY"`

	Transfer TransferConfig
}

// TransferConfig configures the value-transfer client. An empty Endpoint
// selects the logging executor.
type TransferConfig struct {
	Endpoint   string        `env:"TRANSFER_ENDPOINT"`
	RPS        float64       `env:"TRANSFER_RPS" envDefault:"20"`
	Burst      int           `env:"TRANSFER_BURST" envDefault:"5"`
	Workers    int           `env:"TRANSFER_WORKERS" envDefault:"4"`
	Timeout    time.Duration `env:"TRANSFER_TIMEOUT" envDefault:"10s"`
	RetryCount int           `env:"TRANSFER_RETRY_COUNT" envDefault:"2"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Transfer.Workers < 1 {
		return Config{}, fmt.Errorf("TRANSFER_WORKERS must be at least 1, got %d", cfg.Transfer.Workers)
	}
	return cfg, nil
}
