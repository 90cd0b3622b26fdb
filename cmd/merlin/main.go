// Merlin - Financial metric aggregation and anomaly attribution.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/merlin/internal/aggregator"
	"github.com/opensource-finance/merlin/internal/api"
	"github.com/opensource-finance/merlin/internal/attributor"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/view"
	"github.com/opensource-finance/merlin/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("MERLIN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("MERLIN_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Metric Registry with the stock definition table
	reg, err := registry.NewWithDefaults()
	if err != nil {
		slog.Error("failed to initialize metric registry", "error", err)
		os.Exit(1)
	}
	slog.Info("metric registry initialized", "metrics", len(reg.Names()))

	// Initialize pipeline services
	agg := aggregator.New(repo, reg, busImpl, logger)
	det := detector.New(repo, busImpl, cfg.Detector, logger)
	attr := attributor.New(repo, reg, busImpl, cfg.Attributor, logger)
	views := view.New(repo, reg, cacheImpl, agg, det, attr, logger)
	slog.Info("pipeline initialized",
		"yoy_threshold", cfg.Detector.YoYThreshold,
		"rolling_threshold", cfg.Detector.RollingThreshold,
		"zscore_threshold", cfg.Detector.ZScoreThreshold,
	)

	// Initialize async attribution Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("MERLIN_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, attr, logger)

		// Companies to watch at startup (comma-separated)
		var companyIDs []string
		if envCompanies := os.Getenv("MERLIN_COMPANIES"); envCompanies != "" {
			for _, id := range strings.Split(envCompanies, ",") {
				if id = strings.TrimSpace(id); id != "" {
					companyIDs = append(companyIDs, id)
				}
			}
		}

		if err := asyncWorker.Start(worker.Config{CompanyIDs: companyIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "company_count", len(companyIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, reg, agg, det, attr, views, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("merlin is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("merlin shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🧙 MERLIN                   ║")
	fmt.Println("  ║   Metric Anomaly & Attribution Engine     ║")
	fmt.Println("  ║     Every swing in your ledger, named.    ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /companies                              - Register a company")
	fmt.Println("    POST  /companies/{id}/transactions            - Ingest ledger rows")
	fmt.Println("    POST  /companies/{id}/metrics/compute         - Aggregate monthly metrics")
	fmt.Println("    GET   /companies/{id}/metrics?month=YYYY-MM   - List metric points")
	fmt.Println("    POST  /companies/{id}/anomalies/detect        - Run anomaly detection")
	fmt.Println("    GET   /companies/{id}/anomalies               - List anomalies")
	fmt.Println("    POST  /companies/{id}/contributors/compute    - Attribute pending anomalies")
	fmt.Println("    GET   /companies/{id}/view/{YYYY-MM}          - Assembled month view")
	fmt.Println("    GET   /companies/{id}/months                  - Months with data")
	fmt.Println("    GET   /anomalies/{id}                         - Get anomaly by ID")
	fmt.Println("    PATCH /anomalies/{id}/status                  - Review an anomaly")
	fmt.Println("    GET   /anomalies/{id}/contributors            - Ranked contributors")
	fmt.Println("    GET   /metrics/definitions                    - Metric definition table")
	fmt.Println("    GET   /health                                 - Health check")
	fmt.Println()
}
