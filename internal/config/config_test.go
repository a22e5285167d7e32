package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "REFUND_WINDOW_DAYS", "SELLER_REVIEW_HOURS",
		"PAYOUT_HOLD_DAYS", "COMMISSION_RATE", "CURRENCY",
		"PAYOUT_INTERVAL", "SWEEP_INTERVAL", "ADMIN_SECRET", "STRIPE_API_KEY",
	} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultRefundWindowDays, cfg.RefundWindowDays)
	assert.Equal(t, DefaultSellerReviewHours, cfg.SellerReviewHours)
	assert.Equal(t, DefaultPayoutHoldDays, cfg.PayoutHoldDays)
	assert.Equal(t, DefaultCommissionRate, cfg.CommissionRate)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, 24*time.Hour, cfg.PayoutInterval)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, DefaultPayoutMaxAttempts, cfg.PayoutMaxAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "REFUND_WINDOW_DAYS", "30")
	setEnv(t, "COMMISSION_RATE", "0.15")
	setEnv(t, "PAYOUT_INTERVAL", "1h")
	setEnv(t, "CURRENCY", "EUR")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30, cfg.RefundWindowDays)
	assert.Equal(t, 0.15, cfg.CommissionRate)
	assert.Equal(t, time.Hour, cfg.PayoutInterval)
	assert.Equal(t, "EUR", cfg.Currency)
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Env:               "development",
			RefundWindowDays:  14,
			SellerReviewHours: 48,
			PayoutHoldDays:    7,
			PayoutMaxAttempts: 5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "non-positive refund window",
			mutate:  func(c *Config) { c.RefundWindowDays = 0 },
			wantErr: "REFUND_WINDOW_DAYS",
		},
		{
			name:    "non-positive seller review deadline",
			mutate:  func(c *Config) { c.SellerReviewHours = -1 },
			wantErr: "SELLER_REVIEW_HOURS",
		},
		{
			name:    "negative payout hold",
			mutate:  func(c *Config) { c.PayoutHoldDays = -1 },
			wantErr: "PAYOUT_HOLD_DAYS",
		},
		{
			name:    "non-positive attempt budget",
			mutate:  func(c *Config) { c.PayoutMaxAttempts = 0 },
			wantErr: "PAYOUT_MAX_ATTEMPTS",
		},
		{
			name:    "production requires admin secret",
			mutate:  func(c *Config) { c.Env = "production"; c.StripeAPIKey = "sk_live_x" },
			wantErr: "ADMIN_SECRET",
		},
		{
			name:    "production requires gateway key",
			mutate:  func(c *Config) { c.Env = "production"; c.AdminSecret = "s3cret" },
			wantErr: "STRIPE_API_KEY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_NEGATIVE", "-5m")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_NEGATIVE", time.Minute)) // Non-positive rejected
}
