package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Providers
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OpenAIModel     string // cheap/fast tier
	ClaudeModel     string // capable tier

	// Routing
	ComplexityThreshold float64 // score >= threshold escalates to the capable provider
	RequestTimeout      time.Duration

	// Budget
	MonthlyBudgetUSD float64

	// Rate Limiting
	RateLimitRPM int // requests per minute per client

	// Optional backends. Empty means in-process only.
	RedisAddr   string
	PostgresDSN string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		ClaudeModel:          getEnv("CLAUDE_MODEL", "claude-sonnet-4-20250514"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	threshold, err := parseFloat("COMPLEXITY_THRESHOLD", "0.5")
	if err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("COMPLEXITY_THRESHOLD must be in [0,1], got %v", threshold)
	}
	cfg.ComplexityThreshold = threshold

	budget, err := parseFloat("MONTHLY_BUDGET_USD", "50.0")
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, fmt.Errorf("MONTHLY_BUDGET_USD must be positive, got %v", budget)
	}
	cfg.MonthlyBudgetUSD = budget

	timeoutSec, err := parseInt("REQUEST_TIMEOUT_SECONDS", "60")
	if err != nil {
		return nil, err
	}
	cfg.RequestTimeout = time.Duration(timeoutSec) * time.Second

	rpm, err := parseInt("RATE_LIMIT_RPM", "100")
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRPM = int(rpm)

	// Validation
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("at least one of OPENAI_API_KEY or ANTHROPIC_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseFloat(key, fallback string) (float64, error) {
	v, err := strconv.ParseFloat(getEnv(key, fallback), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseInt(key, fallback string) (int64, error) {
	v, err := strconv.ParseInt(getEnv(key, fallback), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
