package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/openclaw/gateway/config"
	"github.com/openclaw/gateway/internal/ledger"
	"github.com/openclaw/gateway/internal/provider"
	"github.com/openclaw/gateway/internal/provider/claude"
	"github.com/openclaw/gateway/internal/provider/openai"
	"github.com/openclaw/gateway/internal/proxy"
	"github.com/openclaw/gateway/internal/telemetry"
	"github.com/openclaw/gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("openclaw-gateway", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Init providers
	var providers []provider.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey, cfg.OpenAIModel))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(cfg.AnthropicAPIKey, cfg.ClaudeModel))
	}
	for _, p := range providers {
		logger.Info("provider configured",
			zap.String("tier", string(p.Identity())),
			zap.String("name", p.Name()),
			zap.String("model", p.Model()))
	}

	// 4. Init ledger, with a durable archive when postgres is configured
	ledgerOpts := []ledger.Option{}
	var archive ledger.Archive
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("spend archive connected")
		archive = ledger.NewPostgresArchive(pool)
		ledgerOpts = append(ledgerOpts, ledger.WithArchive(archive))
	}
	costLedger := ledger.New(cfg.MonthlyBudgetUSD, logger, ledgerOpts...)
	logger.Info("budget configured",
		zap.Float64("monthly_budget_usd", cfg.MonthlyBudgetUSD),
		zap.Float64("complexity_threshold", cfg.ComplexityThreshold))

	// 5. Init rate limiter: shared Redis window when configured, else in-process
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("redis rate limiter connected")
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRPM)
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.RateLimitRPM)
	}

	// 6. Init router and handler
	router := proxy.NewRouter(providers, costLedger, cfg.ComplexityThreshold, logger)
	tracer := otel.GetTracerProvider().Tracer("openclaw-gateway")
	handler := proxy.NewHandler(router, costLedger, limiter, tracer, logger, cfg.RequestTimeout)
	if archive != nil {
		handler.SetArchive(archive)
	}

	// 7. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handler.HandleHealth)
	r.Post("/v1/chat/completions", handler.HandleChatCompletions)
	r.Get("/v1/models", handler.HandleModels)
	r.Get("/v1/stats", handler.HandleStats)

	// 8. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
