// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee schedule
	FeePercent decimal.Decimal // percent of escrow amount taken as fee
	MinFee     int64           // floor applied after the percentage fee

	// Escrow bounds and lifecycle timers
	MinEscrowAmount       int64
	MaxEscrowAmount       int64
	DefaultTTLMinutes     int
	DisputeTTLMinutes     int
	ExpiryWarningMinutes  int
	ExpiryIntervalSeconds int

	// Account bootstrapping and auth
	StarterTokens           int64
	KeyRotationGraceMinutes int
	SignatureMaxAgeSeconds  int
	InviteCode              string // optional; registration is open when empty

	// Rate limits
	RateLimitPerHour           int
	RateLimitPerDay            int
	AuthenticatedRPM           int
	PublicRPM                  int
	RegistrationLimitPerIPHour int

	// Spending-limit circuit breaker
	SpendingWindowHours   int
	HourlyVelocityLimit   int64
	SpendingFreezeMinutes int

	// Webhook delivery
	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled

	// TSA / compliance
	TSAEndpoint string // RFC 3161 timestamp authority URL, empty = timestamping disabled
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultFeePercent = "2.5"
	DefaultMinFee     = 1

	DefaultMinEscrowAmount       = 1
	DefaultMaxEscrowAmount       = 1_000_000_00
	DefaultTTLMinutes            = 60
	DefaultDisputeTTLMinutes     = 1440
	DefaultExpiryWarningMinutes  = 10
	DefaultExpiryIntervalSeconds = 30

	DefaultStarterTokens           = 1000
	DefaultKeyRotationGraceMinutes = 60
	DefaultSignatureMaxAgeSeconds  = 300

	DefaultRateLimitPerHour           = 1000
	DefaultRateLimitPerDay            = 10000
	DefaultAuthenticatedRPM           = 120
	DefaultPublicRPM                  = 30
	DefaultRegistrationLimitPerIPHour = 5

	DefaultSpendingWindowHours   = 24
	DefaultHourlyVelocityLimit   = 50_000_00
	DefaultSpendingFreezeMinutes = 60

	DefaultWebhookTimeout    = 10 * time.Second
	DefaultWebhookMaxRetries = 3

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables. It loads a .env file
// if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	feePercent, err := decimal.NewFromString(getEnv("A2A_EXCHANGE_FEE_PERCENT", DefaultFeePercent))
	if err != nil {
		return nil, fmt.Errorf("A2A_EXCHANGE_FEE_PERCENT: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		FeePercent: feePercent,
		MinFee:     getEnvInt64("A2A_EXCHANGE_MIN_FEE", DefaultMinFee),

		MinEscrowAmount:       getEnvInt64("A2A_EXCHANGE_MIN_ESCROW", DefaultMinEscrowAmount),
		MaxEscrowAmount:       getEnvInt64("A2A_EXCHANGE_MAX_ESCROW", DefaultMaxEscrowAmount),
		DefaultTTLMinutes:     int(getEnvInt64("A2A_EXCHANGE_DEFAULT_TTL_MINUTES", DefaultTTLMinutes)),
		DisputeTTLMinutes:     int(getEnvInt64("A2A_EXCHANGE_DISPUTE_TTL_MINUTES", DefaultDisputeTTLMinutes)),
		ExpiryWarningMinutes:  int(getEnvInt64("A2A_EXCHANGE_EXPIRY_WARNING_MINUTES", DefaultExpiryWarningMinutes)),
		ExpiryIntervalSeconds: int(getEnvInt64("A2A_EXCHANGE_EXPIRY_INTERVAL_SECONDS", DefaultExpiryIntervalSeconds)),

		StarterTokens:           getEnvInt64("A2A_EXCHANGE_STARTER_TOKENS", DefaultStarterTokens),
		KeyRotationGraceMinutes: int(getEnvInt64("A2A_EXCHANGE_KEY_ROTATION_GRACE_MINUTES", DefaultKeyRotationGraceMinutes)),
		SignatureMaxAgeSeconds:  int(getEnvInt64("A2A_EXCHANGE_SIGNATURE_MAX_AGE_SECONDS", DefaultSignatureMaxAgeSeconds)),
		InviteCode:              os.Getenv("A2A_EXCHANGE_INVITE_CODE"),

		RateLimitPerHour:           int(getEnvInt64("A2A_EXCHANGE_RATE_LIMIT_PER_HOUR", DefaultRateLimitPerHour)),
		RateLimitPerDay:            int(getEnvInt64("A2A_EXCHANGE_RATE_LIMIT_PER_DAY", DefaultRateLimitPerDay)),
		AuthenticatedRPM:           int(getEnvInt64("A2A_EXCHANGE_AUTHENTICATED_RPM", DefaultAuthenticatedRPM)),
		PublicRPM:                  int(getEnvInt64("A2A_EXCHANGE_PUBLIC_RPM", DefaultPublicRPM)),
		RegistrationLimitPerIPHour: int(getEnvInt64("A2A_EXCHANGE_REGISTRATION_LIMIT_PER_IP_HOUR", DefaultRegistrationLimitPerIPHour)),

		SpendingWindowHours:   int(getEnvInt64("A2A_EXCHANGE_SPENDING_WINDOW_HOURS", DefaultSpendingWindowHours)),
		HourlyVelocityLimit:   getEnvInt64("A2A_EXCHANGE_HOURLY_VELOCITY_LIMIT", DefaultHourlyVelocityLimit),
		SpendingFreezeMinutes: int(getEnvInt64("A2A_EXCHANGE_SPENDING_FREEZE_MINUTES", DefaultSpendingFreezeMinutes)),

		WebhookTimeout:    getEnvDuration("A2A_EXCHANGE_WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookMaxRetries: int(getEnvInt64("A2A_EXCHANGE_WEBHOOK_MAX_RETRIES", DefaultWebhookMaxRetries)),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TSAEndpoint:  os.Getenv("A2A_EXCHANGE_TSA_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and internally
// consistent.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.FeePercent.IsNegative() {
		return fmt.Errorf("A2A_EXCHANGE_FEE_PERCENT must not be negative")
	}
	if c.MinEscrowAmount < 1 {
		return fmt.Errorf("A2A_EXCHANGE_MIN_ESCROW must be at least 1, got %d", c.MinEscrowAmount)
	}
	if c.MaxEscrowAmount < c.MinEscrowAmount {
		return fmt.Errorf("A2A_EXCHANGE_MAX_ESCROW (%d) must be >= A2A_EXCHANGE_MIN_ESCROW (%d)", c.MaxEscrowAmount, c.MinEscrowAmount)
	}
	if c.DefaultTTLMinutes < 1 {
		return fmt.Errorf("A2A_EXCHANGE_DEFAULT_TTL_MINUTES must be at least 1, got %d", c.DefaultTTLMinutes)
	}
	if c.DisputeTTLMinutes < 1 {
		return fmt.Errorf("A2A_EXCHANGE_DISPUTE_TTL_MINUTES must be at least 1, got %d", c.DisputeTTLMinutes)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must be at least the request timeout to avoid truncated responses.
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set in production — falling back to in-memory store, state will not survive a restart")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
