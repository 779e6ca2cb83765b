// Command contentsvc runs the marketplace content service.
//
// It stores uploaded encrypted chunks, answers similarity queries by buying
// chunk keys through the escrow ledger, and serves purchased documents. It is
// meant to sit behind the gateway: every request must carry the shared
// service secret.
//
// Usage:
//
//	go run ./cmd/contentsvc [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/blobstore"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/chunkledger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/content/handler"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow/evm"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/keyvault"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/purchase"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/similarity"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup("contentsvc", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting content service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	onBreaker := func(name string, to resilience.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		slog.Warn("circuit breaker state changed", "breaker", name, "state", to)
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger := chunkledger.NewStore(db)
	if err := ledger.Migrate(ctx); err != nil {
		slog.Error("failed to migrate chunk ledger", "error", err)
		os.Exit(1)
	}

	checker := health.NewChecker("contentsvc")
	checker.RegisterPing("database", true, ledger.Ping)

	var index similarity.Oracle
	switch strings.ToLower(cfg.Similarity.Provider) {
	case "qdrant":
		store, err := similarity.NewQdrantStore(cfg.Similarity)
		if err != nil {
			slog.Error("failed to open similarity index", "error", err)
			os.Exit(1)
		}
		checker.RegisterPing("similarity", true, store.Ping)
		index = store
	default:
		slog.Warn("using in-memory similarity index; vectors are lost on restart")
		index = similarity.NewMemoryIndex(cfg.Similarity.VectorDim)
	}
	var oracle similarity.Oracle = similarity.NewBreaker(index, onBreaker)

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, similarity caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		oracle = similarity.NewCachedOracle(oracle, redisClient, cfg.Similarity.CacheTTL, m)
		checker.RegisterPing("redis", false, redisClient.Ping)
		slog.Info("similarity cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Similarity.CacheTTL)
	}

	blobs, err := blobstore.Open(ctx, cfg.Blobs)
	if err != nil {
		slog.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}
	if p, ok := blobs.(interface{ Ping(context.Context) error }); ok {
		checker.RegisterPing("blobs", true, p.Ping)
	}

	contract, err := evm.Dial(ctx, cfg.Escrow)
	if err != nil {
		slog.Error("failed to dial escrow contract", "error", err)
		os.Exit(1)
	}
	defer contract.Close()
	checker.RegisterPing("escrow", true, contract.Ping)

	escrowClient := escrow.NewClient(contract, cfg.Escrow, m)
	dispatcher := escrow.NewDispatcher(escrowClient, cfg.Escrow, m)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MarketplaceEvents)
	collector := analytics.NewCollector(producer, 10000, 100, time.Second)
	collector.Start(ctx)
	defer collector.Close()
	slog.Info("analytics collector started", "topic", cfg.Kafka.Topics.MarketplaceEvents)

	orch := purchase.New(purchase.ConfigFrom(cfg.Marketplace), purchase.Deps{
		Oracle:    oracle,
		Chunks:    ledger,
		Keys:      keyvault.NewClient(cfg.KeyVault, onBreaker),
		Escrow:    escrowClient,
		Scheduler: dispatcher,
		Blobs:     blobs,
		Tracker:   collector,
		Metrics:   m,
	})
	catalog := content.NewCatalog(ledger, oracle, blobs)
	h := handler.New(catalog, orch, ledger)

	r := mux.NewRouter()
	r.HandleFunc("/health/live", checker.LiveHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.ReadyHandler()).Methods(http.MethodGet)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	h.Register(r)

	var chain http.Handler = r
	chain = middleware.ServiceSecret(cfg.Marketplace.ServiceSecret)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
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

	slog.Info("content service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("content service stopped")
}
