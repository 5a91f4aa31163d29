package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:               DefaultPort,
		Env:                DefaultEnv,
		RiskContamination:  DefaultRiskContamination,
		RiskTrees:          DefaultRiskTrees,
		RiskSampleSize:     DefaultRiskSampleSize,
		RiskTrainingWindow: DefaultRiskTrainingWindow,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RISK_FAIL_OPEN", "")
	setEnv(t, "RISK_TREES", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRiskTrees, cfg.RiskTrees)
	assert.Equal(t, DefaultRiskSampleSize, cfg.RiskSampleSize)
	assert.Equal(t, DefaultRiskRetrainInterval, cfg.RiskRetrainInterval)
	assert.Equal(t, DefaultFitTimeout, cfg.FitTimeout)
	assert.True(t, cfg.RiskFailOpen)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "RISK_CONTAMINATION", "0.05")
	setEnv(t, "RISK_RETRAIN_INTERVAL", "1h")
	setEnv(t, "RISK_FAIL_OPEN", "false")
	setEnv(t, "EXCHANGE_RATE_TIMEOUT", "750ms")
	setEnv(t, "CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.05, cfg.RiskContamination, 1e-9)
	assert.Equal(t, time.Hour, cfg.RiskRetrainInterval)
	assert.False(t, cfg.RiskFailOpen)
	assert.Equal(t, 750*time.Millisecond, cfg.ExchangeRateTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_InvalidContamination(t *testing.T) {
	setEnv(t, "RISK_CONTAMINATION", "0.9")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RISK_CONTAMINATION")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Port = "" },
			wantErr: "PORT is required",
		},
		{
			name:    "zero trees",
			mutate:  func(c *Config) { c.RiskTrees = 0 },
			wantErr: "RISK_TREES",
		},
		{
			name:    "sample size too small",
			mutate:  func(c *Config) { c.RiskSampleSize = 1 },
			wantErr: "RISK_SAMPLE_SIZE",
		},
		{
			name:    "bad fallback rate",
			mutate:  func(c *Config) { c.ExchangeFallbackRate = "-1" },
			wantErr: "EXCHANGE_FALLBACK_RATE",
		},
		{
			name:    "webhook without secret",
			mutate:  func(c *Config) { c.WebhookURL = "https://hooks.example.com/x" },
			wantErr: "WEBHOOK_SECRET",
		},
		{
			name: "production webhook on loopback",
			mutate: func(c *Config) {
				c.Env = "production"
				c.GatewayToken = "t"
				c.WebhookURL = "http://127.0.0.1/hook"
				c.WebhookSecret = "s"
			},
			wantErr: "loopback",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.TraceSampleRatio = 1.5 },
			wantErr: "OTEL_TRACES_SAMPLE_RATIO",
		},
		{
			name:    "production without gateway token",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "GATEWAY_TOKEN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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

func TestConfig_Validate_JoinsErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Port = ""
	cfg.RiskTrees = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "RISK_TREES")
}

func TestConfig_FallbackRate(t *testing.T) {
	cfg := validConfig()
	_, ok := cfg.FallbackRate()
	assert.False(t, ok)

	cfg.ExchangeFallbackRate = "0.92"
	r, ok := cfg.FallbackRate()
	assert.True(t, ok)
	assert.True(t, r.Equal(decimal.RequireFromString("0.92")))
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

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_BAD", time.Second))
}
