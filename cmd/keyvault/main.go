// Command keyvault runs a key custodian.
//
// A custodian holds the per-chunk and per-document keys sellers upload and
// releases them only for the escrow request currently open against its
// identity. Released keys are published to the ledger afterwards by a
// background dispatcher.
//
// Usage:
//
//	go run ./cmd/keyvault [-config configs/development.yaml]
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

	"github.com/gorilla/mux"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/escrow/evm"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/keyvault"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.KeyVault.SharedSecret == "" || cfg.KeyVault.Identity == "" {
		fmt.Fprintln(os.Stderr, "keyVault.sharedSecret and keyVault.identity are required")
		os.Exit(1)
	}

	logger.Setup("keyvault", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting key custodian", "port", cfg.Server.Port, "identity", cfg.KeyVault.Identity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		if _, err := metrics.StartServer(ctx, fmt.Sprintf(":%d", cfg.Metrics.Port)); err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
	}

	if cfg.KeyVault.StorePassphrase == "" {
		slog.Warn("keyVault.storePassphrase is empty, keys are stored unencrypted")
	}
	store, err := keyvault.OpenStore(cfg.KeyVault.DataDir, cfg.KeyVault.StorePassphrase)
	if err != nil {
		slog.Error("failed to open key store", "dir", cfg.KeyVault.DataDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	contract, err := evm.Dial(ctx, cfg.Escrow)
	if err != nil {
		slog.Error("failed to dial escrow contract", "error", err)
		os.Exit(1)
	}
	defer contract.Close()

	ledger := escrow.NewClient(contract, cfg.Escrow, m)
	dispatcher := escrow.NewDispatcher(ledger, cfg.Escrow, m)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	vault := keyvault.New(store, ledger, dispatcher, cfg.KeyVault, m)

	checker := health.NewChecker("keyvault")
	checker.RegisterPing("store", true, func(context.Context) error { return store.Ping() })
	checker.RegisterPing("escrow", false, contract.Ping)

	r := mux.NewRouter()
	r.HandleFunc("/health/live", checker.LiveHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.ReadyHandler()).Methods(http.MethodGet)
	keyvault.NewHandler(vault).Register(r)

	var chain http.Handler = r
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

	slog.Info("key custodian listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("key custodian stopped")
}
