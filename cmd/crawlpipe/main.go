// Package main wires together the crawlpipe operator binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/api"
	"github.com/crawlpipe/crawlpipe/internal/checkpoint"
	"github.com/crawlpipe/crawlpipe/internal/config"
	"github.com/crawlpipe/crawlpipe/internal/fingerprint"
	"github.com/crawlpipe/crawlpipe/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newFingerprintStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("fingerprint store init failed", zap.Error(err))
	}
	defer store.Close()

	registry, err := checkpoint.NewRegistry(cfg.Checkpoints.Dir, logger.Named("checkpoints"))
	if err != nil {
		logger.Fatal("checkpoint registry init failed", zap.Error(err))
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	apiServer := api.NewServer(registry, store, metrics, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newFingerprintStore builds the configured dedup store. The postgres
// provider pings and bootstraps its schema up front; an unreachable store is
// a startup error, never a silently empty dedup set.
func newFingerprintStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (fingerprint.Store, error) {
	switch cfg.Fingerprints.Provider {
	case config.ProviderPostgres:
		store, err := fingerprint.NewPostgresStore(ctx, fingerprint.PostgresConfig{
			DSN:             cfg.Fingerprints.DSN,
			Table:           cfg.Fingerprints.Table,
			MaxConns:        cfg.Fingerprints.MaxConns,
			MinConns:        cfg.Fingerprints.MinConns,
			MaxConnLifetime: time.Duration(cfg.Fingerprints.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure fingerprint schema: %w", err)
		}
		logger.Info("postgres fingerprint store ready",
			zap.String("table", cfg.Fingerprints.Table),
		)
		return store, nil
	default:
		logger.Info("in-memory fingerprint store ready")
		return fingerprint.NewMemoryStore(), nil
	}
}
