// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/holdfast/internal/retry"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables cross-instance escrow locks (optional)

	// LockTTL is the Redis lock lifetime. It must outlast one custody call.
	LockTTL time.Duration

	// Custody gateway
	StripeSecretKey    string // Enables the Stripe fiat custody gateway
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int
	GatewayBaseDelay   time.Duration

	// Escrow
	SweepInterval   time.Duration
	ArbitrationPool []string // Arbitrator ids registered at boot

	// Notifications
	WebhookURL    string
	WebhookSecret string
	KafkaBrokers  []string
	KafkaTopic    string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultGatewayTimeout     = 15 * time.Second
	DefaultGatewayMaxAttempts = 3
	DefaultGatewayBaseDelay   = 200 * time.Millisecond
	DefaultSweepInterval      = time.Minute
	DefaultKafkaTopic         = "holdfast.events"
	DefaultRateLimitRPM       = 120

	// lockTTLMargin covers the store reads and writes around a custody call.
	lockTTLMargin = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayMaxAttempts: int(getEnvInt64("GATEWAY_MAX_ATTEMPTS", DefaultGatewayMaxAttempts)),
		GatewayBaseDelay:   getEnvDuration("GATEWAY_BASE_DELAY", DefaultGatewayBaseDelay),
		LockTTL:            getEnvDuration("LOCK_TTL", 0),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ArbitrationPool:    getEnvList("ARBITRATORS"),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
	}

	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = cfg.MinLockTTL()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.GatewayMaxAttempts < 1 || c.GatewayMaxAttempts > 10 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be between 1 and 10")
	}
	if c.GatewayBaseDelay < 0 {
		return fmt.Errorf("GATEWAY_BASE_DELAY must not be negative")
	}
	if c.LockTTL != 0 && c.LockTTL < c.MinLockTTL() {
		return fmt.Errorf("LOCK_TTL must be at least %s to outlast GATEWAY_TIMEOUT x GATEWAY_MAX_ATTEMPTS", c.MinLockTTL())
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// GatewayBudget is the longest one custody call can run: every attempt
// timing out plus the widest jittered backoff between attempts.
func (c *Config) GatewayBudget() time.Duration {
	policy := retry.Policy{MaxAttempts: c.GatewayMaxAttempts, BaseDelay: c.GatewayBaseDelay}
	return time.Duration(c.GatewayMaxAttempts)*c.GatewayTimeout + policy.MaxBackoff()
}

// MinLockTTL is the shortest lock lifetime that outlasts a custody call.
func (c *Config) MinLockTTL() time.Duration {
	return c.GatewayBudget() + lockTTLMargin
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
