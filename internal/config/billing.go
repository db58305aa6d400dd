package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the operational knobs of the billing engine. It is
// reloaded from billing.yml while the process runs.
type BillingConfig struct {
	Currency           string        `mapstructure:"currency"`
	GracePeriodDays    int           `mapstructure:"gracePeriodDays"`
	TestModeSampleSize int           `mapstructure:"testModeSampleSize"`
	InterAccountDelay  time.Duration `mapstructure:"interAccountDelay"`
	CloseTimeout       time.Duration `mapstructure:"closeTimeout"`
	LockTTL            time.Duration `mapstructure:"lockTTL"`
	WebhookTolerance   time.Duration `mapstructure:"webhookTolerance"`
	RunInterval        time.Duration `mapstructure:"runInterval"`
	Retry              RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:           "usd",
		GracePeriodDays:    7,
		TestModeSampleSize: 3,
		InterAccountDelay:  250 * time.Millisecond,
		CloseTimeout:       45 * time.Second,
		LockTTL:            2 * time.Minute,
		WebhookTolerance:   5 * time.Minute,
		RunInterval:        time.Hour,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 0,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, mostly for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billcore/config") // Volume-mounted config
	v.AddConfigPath("/etc/billcore")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("BILLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerBillingDefaults(v, DefaultBillingConfig())

	found := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		found = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)
	if !found {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	if h == nil {
		return DefaultBillingConfig()
	}
	return h.current.Load().(BillingConfig)
}

func registerBillingDefaults(v *viper.Viper, d BillingConfig) {
	v.SetDefault("billing.currency", d.Currency)
	v.SetDefault("billing.gracePeriodDays", d.GracePeriodDays)
	v.SetDefault("billing.testModeSampleSize", d.TestModeSampleSize)
	v.SetDefault("billing.interAccountDelay", d.InterAccountDelay)
	v.SetDefault("billing.closeTimeout", d.CloseTimeout)
	v.SetDefault("billing.lockTTL", d.LockTTL)
	v.SetDefault("billing.webhookTolerance", d.WebhookTolerance)
	v.SetDefault("billing.runInterval", d.RunInterval)
	v.SetDefault("billing.retry.maxAttempts", d.Retry.MaxAttempts)
	v.SetDefault("billing.retry.initialInterval", d.Retry.InitialInterval)
	v.SetDefault("billing.retry.maxInterval", d.Retry.MaxInterval)
	v.SetDefault("billing.retry.multiplier", d.Retry.Multiplier)
}

// decodeBillingConfig starts from the defaults; viper does not merge them
// into a billing map read from the file, so omitted keys keep their default.
func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	cfg := DefaultBillingConfig()
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.Currency == "" {
		return errors.New("billing.currency cannot be empty")
	}
	if cfg.GracePeriodDays < 0 {
		return errors.New("billing.gracePeriodDays cannot be negative")
	}
	if cfg.TestModeSampleSize <= 0 {
		return errors.New("billing.testModeSampleSize must be positive")
	}
	if cfg.InterAccountDelay < 0 {
		return errors.New("billing.interAccountDelay cannot be negative")
	}
	if cfg.CloseTimeout <= 0 {
		return errors.New("billing.closeTimeout must be positive")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("billing.lockTTL must be positive")
	}
	if cfg.RunInterval <= 0 {
		return errors.New("billing.runInterval must be positive")
	}
	if cfg.WebhookTolerance < 0 {
		return errors.New("billing.webhookTolerance cannot be negative")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return errors.New("billing.retry.maxAttempts must be positive")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("billing.retry.multiplier must be at least 1")
	}
	return nil
}
