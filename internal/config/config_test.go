package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsStripeAndRedisSettings(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STRIPE_SECRET_KEY", " sk_test_123 ")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("STRIPE_API_TIMEOUT", "20")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("BILLING_JOB_TOKEN", "job-token")
	t.Setenv("SCHEDULER_ENABLED", "off")

	cfg := Load()

	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.True(t, cfg.Stripe.Enabled())
	assert.Equal(t, "whsec_abc", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 20*time.Second, cfg.Stripe.APITimeout)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "job-token", cfg.BillingJobToken)
	assert.False(t, cfg.SchedulerEnabled)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STRIPE_API_TIMEOUT", "not-a-duration")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()

	assert.Equal(t, 12*time.Second, cfg.Stripe.APITimeout)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.True(t, cfg.SchedulerEnabled)
}

func TestBillingConfigHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	assert.Equal(t, DefaultBillingConfig(), holder.Get())
}

func TestBillingConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := []byte(`billing:
  currency: EUR
  gracePeriodDays: 10
  testModeSampleSize: 5
  interAccountDelay: 1s
  closeTimeout: 30s
  lockTTL: 1m
  webhookTolerance: 10m
  retry:
    maxAttempts: 4
    multiplier: 1.5
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), content, 0o600))

	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "eur", cfg.Currency)
	assert.Equal(t, 10, cfg.GracePeriodDays)
	assert.Equal(t, 5, cfg.TestModeSampleSize)
	assert.Equal(t, time.Second, cfg.InterAccountDelay)
	assert.Equal(t, 30*time.Second, cfg.CloseTimeout)
	assert.Equal(t, time.Minute, cfg.LockTTL)
	assert.Equal(t, 10*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxInterval)
}

func TestBillingConfigHolderKeepsDefaultsForOmittedKeys(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := []byte(`billing:
  currency: usd
  testModeSampleSize: 2
  closeTimeout: 30s
  lockTTL: 1m
  retry:
    maxAttempts: 5
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), content, 0o600))

	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	defaults := DefaultBillingConfig()
	cfg := holder.Get()
	assert.Equal(t, 2, cfg.TestModeSampleSize)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, defaults.GracePeriodDays, cfg.GracePeriodDays)
	assert.Equal(t, defaults.InterAccountDelay, cfg.InterAccountDelay)
	assert.Equal(t, defaults.WebhookTolerance, cfg.WebhookTolerance)
	assert.Equal(t, defaults.RunInterval, cfg.RunInterval)
	assert.Equal(t, defaults.Retry.Multiplier, cfg.Retry.Multiplier)
	assert.Equal(t, defaults.Retry.MaxInterval, cfg.Retry.MaxInterval)
}

func TestBillingConfigHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := []byte("billing:\n  testModeSampleSize: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), content, 0o600))

	_, err := NewBillingConfigHolder()
	require.Error(t, err)
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *BillingConfigHolder
	assert.Equal(t, DefaultBillingConfig(), holder.Get())
}
