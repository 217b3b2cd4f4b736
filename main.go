package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/ingestion"
	"github.com/cyderes/post-metrics-service/internal/lock"
	"github.com/cyderes/post-metrics-service/internal/logger"
	"github.com/cyderes/post-metrics-service/internal/metrics"
	"github.com/cyderes/post-metrics-service/internal/provider"
	"github.com/cyderes/post-metrics-service/internal/server"
	"github.com/cyderes/post-metrics-service/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	zlog, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer zlog.Sync()

	zlog.Info("environment check",
		zap.Bool("apify_token_set", cfg.Provider.Token != ""),
		zap.Bool("google_credentials_set", cfg.Storage.GoogleCredentials != ""),
		zap.Bool("spreadsheet_id_set", cfg.Storage.SpreadsheetID != ""),
		zap.String("storage_type", cfg.Storage.Type))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Storage, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	locker, err := lock.New(cfg.Lock, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize run lock", zap.Error(err))
	}
	if c, ok := locker.(io.Closer); ok {
		defer c.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	apify := provider.NewApifyClient(provider.ApifyConfig{
		BaseURL:           cfg.Provider.BaseURL,
		Token:             cfg.Provider.Token,
		ActorID:           cfg.Provider.ActorID,
		Timeout:           cfg.Provider.Timeout,
		PollInterval:      cfg.Provider.PollInterval,
		MaxPolls:          cfg.Provider.MaxPolls,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
	}, zlog.Named("apify"))

	// Initialize ingestion service
	ingestor, err := ingestion.NewService(cfg.Ingestion, store, store, apify, ingestion.Options{
		Locker:  locker,
		Metrics: m,
		Logger:  zlog.Named("ingestion"),
	})
	if err != nil {
		zlog.Fatal("failed to initialize ingestion service", zap.Error(err))
	}

	// Initialize HTTP server for API endpoints
	httpServer := server.NewServer(cfg.Server, ingestor, registry, zlog.Named("http"))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server
	go func() {
		zlog.Info("starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Start scheduled runs
	go func() {
		if err := ingestor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zlog.Error("scheduler error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	zlog.Info("shutdown signal received, gracefully shutting down")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel() // Cancel scheduled runs
	zlog.Info("shutdown complete")
}
