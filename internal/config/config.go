// Package config loads server configuration from the environment.
// A .env file is honored when present; real environment variables win.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the server configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// CacheTTL bounds staleness of the Redis read-through cache.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"15s"`

	// TxMaxRetries bounds serializable-transaction retries per request.
	TxMaxRetries int `env:"TX_MAX_RETRIES" envDefault:"5"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
