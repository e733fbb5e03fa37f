// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payments
	StripeAPIKey   string        // Optional: fake gateway is used if not set
	GatewayTimeout time.Duration // Hard deadline on every gateway call

	// Audit ledger
	AuditSecret        string        // Hex-encoded HMAC secret for entry signatures (required)
	AuditDir           string        // Directory for the file sink; empty disables it
	AuditFlushInterval time.Duration // Periodic flush cadence
	AuditFlushSize     int           // Buffered entries that force a flush

	// Escrow
	PaymentRefKey string // Hex-encoded 32-byte AES key for payment references (required)

	// Recovery
	DetectionInterval time.Duration // Failure detector sweep cadence

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultGatewayTimeout    = 10 * time.Second
	DefaultDetectionInterval = 30 * time.Second
	DefaultFlushInterval     = 5 * time.Second
	DefaultFlushSize         = 64
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"),
		GatewayTimeout:     getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		AuditSecret:        os.Getenv("AUDIT_SECRET"), // Required, no default
		AuditDir:           os.Getenv("AUDIT_DIR"),
		AuditFlushInterval: getEnvDuration("AUDIT_FLUSH_INTERVAL", DefaultFlushInterval),
		AuditFlushSize:     getEnvInt("AUDIT_FLUSH_SIZE", DefaultFlushSize),
		PaymentRefKey:      os.Getenv("PAYMENT_REF_KEY"), // Required, no default
		DetectionInterval:  getEnvDuration("DETECTION_INTERVAL", DefaultDetectionInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:       getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AuditSecret == "" {
		return fmt.Errorf("AUDIT_SECRET is required")
	}
	if _, err := hex.DecodeString(c.AuditSecret); err != nil {
		return fmt.Errorf("AUDIT_SECRET must be hex-encoded: %w", err)
	}

	if c.PaymentRefKey == "" {
		return fmt.Errorf("PAYMENT_REF_KEY is required")
	}
	key, err := hex.DecodeString(c.PaymentRefKey)
	if err != nil {
		return fmt.Errorf("PAYMENT_REF_KEY must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("PAYMENT_REF_KEY must be 32 bytes (64 hex characters)")
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.AuditFlushSize <= 0 {
		return fmt.Errorf("AUDIT_FLUSH_SIZE must be positive")
	}

	return nil
}

// AuditSecretBytes returns the decoded HMAC secret. Call Validate first.
func (c *Config) AuditSecretBytes() []byte {
	b, _ := hex.DecodeString(c.AuditSecret)
	return b
}

// PaymentRefKeyBytes returns the decoded AES key. Call Validate first.
func (c *Config) PaymentRefKeyBytes() []byte {
	b, _ := hex.DecodeString(c.PaymentRefKey)
	return b
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
