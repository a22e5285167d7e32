// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	RefundWindowDays  int     // days after order completion a refund may be requested
	SellerReviewHours int     // hours a seller has to respond before forced escalation
	PayoutHoldDays    int     // escrow hold before seller earnings become payout-eligible
	CommissionRate    float64 // platform commission (fraction or percentage form)
	HandlingFee       float64 // flat per-order handling fee
	Currency          string

	// Background jobs
	PayoutInterval    time.Duration // how often the payout scheduler runs
	SweepInterval     time.Duration // how often the refund escalation sweep runs
	PayoutMaxAttempts int           // provider attempts before a payout is marked failed

	// Payment gateway
	StripeAPIKey   string
	GatewayTimeout time.Duration // per-call timeout for gateway operations

	// Notifications
	NotifyWebhookURL string // optional; no-op notifier when unset

	// Security
	AdminSecret string // shared secret for /admin routes
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRefundWindowDays  = 14
	DefaultSellerReviewHours = 48
	DefaultPayoutHoldDays    = 7
	DefaultCommissionRate    = 0.10
	DefaultPayoutMaxAttempts = 5
	DefaultCurrency          = "USD"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RefundWindowDays:  getEnvInt("REFUND_WINDOW_DAYS", DefaultRefundWindowDays),
		SellerReviewHours: getEnvInt("SELLER_REVIEW_HOURS", DefaultSellerReviewHours),
		PayoutHoldDays:    getEnvInt("PAYOUT_HOLD_DAYS", DefaultPayoutHoldDays),
		CommissionRate:    getEnvFloat("COMMISSION_RATE", DefaultCommissionRate),
		HandlingFee:       getEnvFloat("HANDLING_FEE", 0),
		Currency:          getEnv("CURRENCY", DefaultCurrency),
		PayoutInterval:    getEnvDuration("PAYOUT_INTERVAL", 24*time.Hour),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		PayoutMaxAttempts: getEnvInt("PAYOUT_MAX_ATTEMPTS", DefaultPayoutMaxAttempts),
		StripeAPIKey:      os.Getenv("STRIPE_API_KEY"),
		GatewayTimeout:    getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.RefundWindowDays <= 0 {
		return fmt.Errorf("REFUND_WINDOW_DAYS must be positive")
	}
	if c.SellerReviewHours <= 0 {
		return fmt.Errorf("SELLER_REVIEW_HOURS must be positive")
	}
	if c.PayoutHoldDays < 0 {
		return fmt.Errorf("PAYOUT_HOLD_DAYS must not be negative")
	}
	if c.PayoutMaxAttempts <= 0 {
		return fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
