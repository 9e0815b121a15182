// Package config loads client and authority settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// AuthorityURL is the websocket endpoint of the authority.
	AuthorityURL string `env:"TALLY_AUTHORITY_URL" envDefault:"ws://localhost:8080/ws"`
	// RepositoryURL selects the snapshot cache backend by scheme.
	RepositoryURL string `env:"TALLY_REPOSITORY_URL" envDefault:"memory://"`
	MetricsAddr   string `env:"TALLY_METRICS_ADDR" envDefault:":9090"`
	ListenAddr    string `env:"TALLY_LISTEN_ADDR" envDefault:":8080"`

	MaxAttempts    int           `env:"TALLY_MAX_ATTEMPTS" envDefault:"3"`
	InitialDelay   time.Duration `env:"TALLY_INITIAL_DELAY" envDefault:"200ms"`
	RequestTimeout time.Duration `env:"TALLY_REQUEST_TIMEOUT" envDefault:"10s"`
	MaxAge         time.Duration `env:"TALLY_MAX_AGE" envDefault:"5m"`

	PendingQueueSize  int `env:"TALLY_PENDING_QUEUE_SIZE" envDefault:"1024"`
	PendingMaxRetries int `env:"TALLY_PENDING_MAX_RETRIES" envDefault:"3"`

	RefreshInterval time.Duration `env:"TALLY_REFRESH_INTERVAL" envDefault:"30s"`
	SaveInterval    time.Duration `env:"TALLY_SAVE_INTERVAL" envDefault:"1m"`
	RetryInterval   time.Duration `env:"TALLY_RETRY_INTERVAL" envDefault:"5s"`
}

// FromEnv loads a Config from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("TALLY_MAX_ATTEMPTS must be positive, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}
