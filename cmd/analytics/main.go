// Command analytics starts the marketplace analytics service.
//
// It consumes marketplace events (queries, chunk and document purchases)
// from Kafka, aggregates them in memory, snapshots the aggregate to the
// database periodically, and serves GET /analytics/stats and
// GET /analytics/snapshots for dashboards.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
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
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/analytics/snapshot"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
)

const snapshotInterval = time.Minute

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup("analytics", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker("analytics")
	aggregator := analytics.NewAggregator()

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.MarketplaceEvents, analytics.HandleEvent(aggregator))
	defer consumer.Close()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("event consumer stopped", "error", err)
		}
	}()
	slog.Info("event consumer started", "topic", cfg.Kafka.Topics.MarketplaceEvents)

	var snapshots analytics.SnapshotLister
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("database unavailable, snapshots disabled", "error", err)
	} else {
		defer db.Close()
		store := snapshot.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate snapshots", "error", err)
			os.Exit(1)
		}
		store.StartPeriodicSave(ctx, aggregator, snapshotInterval)
		checker.RegisterPing("database", false, db.Ping)
		snapshots = store
	}

	h := analytics.NewHandler(aggregator, snapshots)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /analytics/stats", h.Stats)
	mux.HandleFunc("GET /analytics/snapshots", h.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
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

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("analytics service stopped")
}
