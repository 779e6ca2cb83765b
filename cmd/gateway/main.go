// Command gateway starts the public API gateway.
//
// The gateway is the single entry point for buyers and sellers. It
// authenticates requests by API key, binds each key's wallet address to the
// request, applies per-key rate limiting, and proxies marketplace calls to
// the content service and analytics reads to the analytics service. Admin
// endpoints manage API keys.
//
// Usage:
//
//	go run ./cmd/gateway [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/ratelimit"
	gwhandler "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/gateway/handler"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/gateway/router"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Marketplace.ServiceSecret == "" {
		fmt.Fprintln(os.Stderr, "marketplace.serviceSecret is required")
		os.Exit(1)
	}

	logger.Setup("gateway", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting gateway service",
		"port", cfg.Gateway.Port,
		"content_url", cfg.Gateway.ContentURL,
		"analytics_url", cfg.Gateway.AnalyticsURL,
	)
	if cfg.Gateway.AdminToken == "" {
		slog.Warn("gateway.adminToken is empty, admin endpoints are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker("gateway")

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	checker.RegisterPing("database", true, db.Ping)

	keys := apikey.NewValidator(db)
	if err := keys.Migrate(ctx); err != nil {
		slog.Error("failed to migrate api keys", "error", err)
		os.Exit(1)
	}

	var limiter ratelimit.Limiter
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, rate limiting is per instance", "error", err)
		local := ratelimit.NewLocal(cfg.Gateway.RateLimitWindow)
		defer local.Close()
		limiter = local
	} else {
		defer redisClient.Close()
		limiter = ratelimit.NewRedis(redisClient, cfg.Gateway.RateLimitWindow)
		checker.RegisterPing("redis", false, redisClient.Ping)
	}

	h, err := gwhandler.New(gwhandler.Config{
		ContentURL:    cfg.Gateway.ContentURL,
		AnalyticsURL:  cfg.Gateway.AnalyticsURL,
		ServiceSecret: cfg.Marketplace.ServiceSecret,
	}, keys)
	if err != nil {
		slog.Error("invalid upstream configuration", "error", err)
		os.Exit(1)
	}

	chain := router.New(h, router.Options{
		Validator:  keys,
		Limiter:    limiter,
		AdminToken: cfg.Gateway.AdminToken,
		Origins:    cfg.Gateway.AllowOrigins,
		Health:     checker,
		Metrics:    m,
	})

	if cfg.Metrics.Enabled {
		if _, err := metrics.StartServer(ctx, fmt.Sprintf(":%d", cfg.Metrics.Port)); err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gateway service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway service stopped")
}
