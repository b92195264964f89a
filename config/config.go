package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Server
	Port         string // default: 8080
	AdminToken   string
	ServiceToken string // guards /v1/metering; empty disables it

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// MemoryMode keeps every store in-process. Balances and usage are lost on exit.
	MemoryMode bool

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Payments
	StripeWebhookSecret string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string

	// Rate Limiting
	DefaultRateLimitTPM       int64  // tokens per minute, default: 100000
	DefaultRateLimitPerMinute int    // requests per minute for tenants without an explicit limit
	RateWindowBackend         string // "local" or "redis"

	// Metering
	AudioSecondTokens int64
	OCRPageTokens     int64
	ReservationGrace  time.Duration
	SweepInterval     time.Duration
	AuthCacheTTL      time.Duration
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		Port:                      v.GetString("PORT"),
		AdminToken:                v.GetString("ADMIN_TOKEN"),
		ServiceToken:              v.GetString("SERVICE_TOKEN"),
		PostgresDSN:               v.GetString("POSTGRES_DSN"),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		MemoryMode:                v.GetBool("MEMORY_MODE"),
		OpenAIAPIKey:              v.GetString("OPENAI_API_KEY"),
		GeminiAPIKey:              v.GetString("GEMINI_API_KEY"),
		AnthropicAPIKey:           v.GetString("ANTHROPIC_API_KEY"),
		StripeWebhookSecret:       v.GetString("STRIPE_WEBHOOK_SECRET"),
		OTELExporterType:          v.GetString("OTEL_EXPORTER_TYPE"),
		OTELExporterEndpoint:      v.GetString("OTEL_EXPORTER_ENDPOINT"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		DefaultRateLimitTPM:       v.GetInt64("DEFAULT_RATE_LIMIT_TPM"),
		DefaultRateLimitPerMinute: v.GetInt("DEFAULT_RATE_LIMIT_PER_MINUTE"),
		RateWindowBackend:         strings.ToLower(v.GetString("RATE_WINDOW_BACKEND")),
		AudioSecondTokens:         v.GetInt64("AUDIO_SECOND_TOKENS"),
		OCRPageTokens:             v.GetInt64("OCR_PAGE_TOKENS"),
		ReservationGrace:          v.GetDuration("RESERVATION_GRACE"),
		SweepInterval:             v.GetDuration("SWEEP_INTERVAL"),
		AuthCacheTTL:              v.GetDuration("AUTH_CACHE_TTL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings. Memory mode needs neither Postgres nor Redis.
func (c *Config) Validate() error {
	if c.DefaultRateLimitTPM < 0 {
		return fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %d", c.DefaultRateLimitTPM)
	}
	if c.DefaultRateLimitPerMinute <= 0 {
		return fmt.Errorf("invalid DEFAULT_RATE_LIMIT_PER_MINUTE: %d", c.DefaultRateLimitPerMinute)
	}
	switch c.RateWindowBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid RATE_WINDOW_BACKEND: %q", c.RateWindowBackend)
	}
	if c.ReservationGrace <= 0 {
		return fmt.Errorf("RESERVATION_GRACE must be positive")
	}
	if c.MemoryMode {
		if c.RateWindowBackend == "redis" {
			return fmt.Errorf("RATE_WINDOW_BACKEND=redis is not available in memory mode")
		}
		return nil
	}

	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("OTEL_EXPORTER_TYPE", "stdout")
	v.SetDefault("OTEL_EXPORTER_ENDPOINT", "localhost:4317")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_RATE_LIMIT_TPM", 100000)
	v.SetDefault("DEFAULT_RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("RATE_WINDOW_BACKEND", "local")
	v.SetDefault("AUDIO_SECOND_TOKENS", 25)
	v.SetDefault("OCR_PAGE_TOKENS", 1000)
	v.SetDefault("RESERVATION_GRACE", 15*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("AUTH_CACHE_TTL", 5*time.Minute)
}
