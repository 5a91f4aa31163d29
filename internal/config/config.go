// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/walletguard/internal/security"
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
	AutoMigrate bool   // apply pending migrations at startup

	// Exchange rates
	ExchangeRateURL      string
	ExchangeRateAPIKey   string
	ExchangeRateTimeout  time.Duration
	ExchangeFallbackRate string // opt-in; empty rejects cross-currency transfers when the provider fails

	// Risk screening
	RiskContamination   float64
	RiskTrees           int
	RiskSampleSize      int
	RiskSeed            int64
	RiskRetrainInterval time.Duration
	RiskRetrainMinBatch int
	RiskTrainingWindow  int
	RiskFailOpen        bool
	RiskCacheSize       int
	FitTimeout          time.Duration

	// Notifications
	WebhookURL    string
	WebhookSecret string
	MaxWSClients  int

	// Security
	GatewayToken   string // shared secret expected from the upstream auth gateway
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Observability
	OTLPEndpoint      string
	TraceSampleRatio  float64
	ReconcileInterval time.Duration
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultExchangeRateTimeout = 5 * time.Second
	DefaultRiskContamination   = 0.1
	DefaultRiskTrees           = 100
	DefaultRiskSampleSize      = 256
	DefaultRiskSeed            = 42
	DefaultRiskRetrainInterval = 24 * time.Hour
	DefaultRiskRetrainMinBatch = 100
	DefaultRiskTrainingWindow  = 5000
	DefaultRiskCacheSize       = 10000
	DefaultFitTimeout          = 30 * time.Second
	DefaultMaxWSClients        = 1000
	DefaultRateLimitRPM        = 600
	DefaultRateLimitBurst      = 50
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultTraceSampleRatio    = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", false),
		ExchangeRateURL:      os.Getenv("EXCHANGE_RATE_URL"),
		ExchangeRateAPIKey:   os.Getenv("EXCHANGE_RATE_API_KEY"),
		ExchangeRateTimeout:  getEnvDuration("EXCHANGE_RATE_TIMEOUT", DefaultExchangeRateTimeout),
		ExchangeFallbackRate: os.Getenv("EXCHANGE_FALLBACK_RATE"),
		RiskContamination:    getEnvFloat("RISK_CONTAMINATION", DefaultRiskContamination),
		RiskTrees:            int(getEnvInt64("RISK_TREES", DefaultRiskTrees)),
		RiskSampleSize:       int(getEnvInt64("RISK_SAMPLE_SIZE", DefaultRiskSampleSize)),
		RiskSeed:             getEnvInt64("RISK_SEED", DefaultRiskSeed),
		RiskRetrainInterval:  getEnvDuration("RISK_RETRAIN_INTERVAL", DefaultRiskRetrainInterval),
		RiskRetrainMinBatch:  int(getEnvInt64("RISK_RETRAIN_MIN_BATCH", DefaultRiskRetrainMinBatch)),
		RiskTrainingWindow:   int(getEnvInt64("RISK_TRAINING_WINDOW", DefaultRiskTrainingWindow)),
		RiskFailOpen:         getEnvBool("RISK_FAIL_OPEN", true),
		RiskCacheSize:        int(getEnvInt64("RISK_CACHE_SIZE", DefaultRiskCacheSize)),
		FitTimeout:           getEnvDuration("FIT_TIMEOUT", DefaultFitTimeout),
		WebhookURL:           os.Getenv("WEBHOOK_URL"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		MaxWSClients:         int(getEnvInt64("WS_MAX_CLIENTS", DefaultMaxWSClients)),
		GatewayToken:         os.Getenv("GATEWAY_TOKEN"),
		CORSOrigins:          getEnvList("CORS_ORIGINS"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", DefaultTraceSampleRatio),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.RiskContamination <= 0 || c.RiskContamination > 0.5 {
		errs = append(errs, fmt.Errorf("RISK_CONTAMINATION must be in (0, 0.5], got %v", c.RiskContamination))
	}
	if c.RiskTrees <= 0 {
		errs = append(errs, errors.New("RISK_TREES must be positive"))
	}
	if c.RiskSampleSize < 2 {
		errs = append(errs, errors.New("RISK_SAMPLE_SIZE must be at least 2"))
	}
	if c.RiskTrainingWindow <= 0 {
		errs = append(errs, errors.New("RISK_TRAINING_WINDOW must be positive"))
	}
	if c.RiskRetrainMinBatch < 0 {
		errs = append(errs, errors.New("RISK_RETRAIN_MIN_BATCH must not be negative"))
	}
	if c.ExchangeFallbackRate != "" {
		if r, err := decimal.NewFromString(c.ExchangeFallbackRate); err != nil || !r.IsPositive() {
			errs = append(errs, fmt.Errorf("EXCHANGE_FALLBACK_RATE must be a positive decimal, got %q", c.ExchangeFallbackRate))
		}
	}
	if c.WebhookURL != "" && c.IsProduction() {
		if err := security.ValidateEndpointURL(c.WebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL: %w", err))
		}
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be in [0, 1], got %v", c.TraceSampleRatio))
	}
	if c.IsProduction() && c.GatewayToken == "" {
		errs = append(errs, errors.New("GATEWAY_TOKEN is required in production"))
	}

	return errors.Join(errs...)
}

// FallbackRate returns the parsed EXCHANGE_FALLBACK_RATE, or false when unset.
func (c *Config) FallbackRate() (decimal.Decimal, bool) {
	if c.ExchangeFallbackRate == "" {
		return decimal.Zero, false
	}
	r, err := decimal.NewFromString(c.ExchangeFallbackRate)
	if err != nil {
		return decimal.Zero, false
	}
	return r, true
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
