// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	LockTimeout time.Duration

	// Payment provider
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string // optional API base URL override
	PaymentCurrency     string
	ProviderTimeout     time.Duration

	// Circuit breaker on provider calls
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Per-client rate limit on the query API. Zero RPM disables it.
	RateLimitRPM   int
	RateLimitBurst int

	// Browser origins allowed to read the query API
	CORSAllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCurrency            = "usd"
	DefaultProviderTimeout     = 15 * time.Second
	DefaultLockTimeout         = 5 * time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

var currencyPattern = regexp.MustCompile(`^[a-z]{3}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LockTimeout:         getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"), // Required, no default
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		PaymentCurrency:     getEnv("PAYMENT_CURRENCY", DefaultCurrency),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if !currencyPattern.MatchString(c.PaymentCurrency) {
		return fmt.Errorf("PAYMENT_CURRENCY must be a lowercase ISO 4217 code, got %q", c.PaymentCurrency)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or bare seconds ("15").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
