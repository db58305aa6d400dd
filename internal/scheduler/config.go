package scheduler

import (
	"time"

	"github.com/smallbiznis/billcore/internal/config"
)

// Config controls the period-close loop.
type Config struct {
	RunInterval time.Duration
	// RunTimeout bounds a whole batch run started by the loop.
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Hour,
		RunTimeout:  6 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}

func ProvideConfig(billing *config.BillingConfigHolder) Config {
	return Config{RunInterval: billing.Get().RunInterval}.withDefaults()
}
