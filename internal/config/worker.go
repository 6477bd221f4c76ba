package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// WorkerConfig is read from the environment the supervisor prepares for the
// relay worker process.
type WorkerConfig struct {
	SignalURL   string        `env:"RELAY_SIGNAL_URL,required"`
	LogLevel    string        `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	ICEServers  []string      `env:"RELAY_ICE_SERVERS" envSeparator:","`
	LoadTimeout time.Duration `env:"RELAY_LOAD_TIMEOUT" envDefault:"5s"`
}

func LoadWorker() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *WorkerConfig) Validate() error {
	u, err := url.Parse(c.SignalURL)
	if err != nil {
		return fmt.Errorf("RELAY_SIGNAL_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("RELAY_SIGNAL_URL must be ws:// or wss://, got %q", c.SignalURL)
	}
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("RELAY_LOAD_TIMEOUT must be positive")
	}
	return nil
}
