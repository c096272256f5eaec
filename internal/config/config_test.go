package config

import (
	"os"
	"testing"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultFeePercent, cfg.FeePercent.String())
	assert.Equal(t, int64(DefaultMinFee), cfg.MinFee)
	assert.Equal(t, int64(DefaultStarterTokens), cfg.StarterTokens)
}

func TestLoad_CustomFeePercent(t *testing.T) {
	setEnv(t, "A2A_EXCHANGE_FEE_PERCENT", "5")
	setEnv(t, "A2A_EXCHANGE_MIN_FEE", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5", cfg.FeePercent.String())
	assert.Equal(t, int64(10), cfg.MinFee)
}

func TestLoad_InvalidFeePercent(t *testing.T) {
	setEnv(t, "A2A_EXCHANGE_FEE_PERCENT", "not-a-decimal")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "A2A_EXCHANGE_FEE_PERCENT")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:               "8080",
			MinEscrowAmount:    1,
			MaxEscrowAmount:    100,
			DefaultTTLMinutes:  60,
			DisputeTTLMinutes:  1440,
			DBStatementTimeout: 30000,
			HTTPWriteTimeout:   0,
			RequestTimeout:     0,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = "not-a-port" },
			wantErr: "PORT must be a number",
		},
		{
			name:    "max below min escrow",
			mutate:  func(c *Config) { c.MaxEscrowAmount = 0 },
			wantErr: "must be >=",
		},
		{
			name:    "zero default ttl",
			mutate:  func(c *Config) { c.DefaultTTLMinutes = 0 },
			wantErr: "DEFAULT_TTL_MINUTES",
		},
		{
			name:    "statement timeout too low",
			mutate:  func(c *Config) { c.DBStatementTimeout = 10 },
			wantErr: "STATEMENT_TIMEOUT",
		},
		{
			name: "write timeout shorter than request timeout",
			mutate: func(c *Config) {
				c.HTTPWriteTimeout = 1
				c.RequestTimeout = 2
			},
			wantErr: "HTTP_WRITE_TIMEOUT",
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

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
