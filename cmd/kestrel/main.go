// Kestrel - Merchant compliance thresholds, evaluated in milliseconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/advisory"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/ruleset"
	"github.com/opensource-finance/kestrel/internal/worker"
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
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro edition via environment
	if os.Getenv("KESTREL_EDITION") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro edition mode")
	}
	if path := os.Getenv("KESTREL_TABLES"); path != "" {
		cfg.TablesPath = path
	}

	slog.Info("configuration loaded",
		"edition", cfg.Edition,
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

	// Load the rule tables: file first, stored tables as fallback.
	tables, err := loadTables(ctx, cfg, repo)
	if err != nil {
		slog.Error("failed to load rule tables", "error", err)
		os.Exit(1)
	}

	// Initialize the threshold store
	store, err := ruleset.New(tables)
	if err != nil {
		slog.Error("failed to publish rule tables", "error", err)
		os.Exit(1)
	}
	slog.Info("rule tables published",
		"version", store.Version(),
		"thresholds", len(tables.RegionThresholds),
		"exemptions", len(tables.Exemptions),
	)

	// Persist the published tables so reloads can replay them.
	if err := repo.SaveTableSet(ctx, tables); err != nil {
		slog.Warn("failed to persist table set", "error", err)
	}

	// Initialize Advisory Engine
	advisor, err := advisory.NewEngine()
	if err != nil {
		slog.Error("failed to initialize advisory engine", "error", err)
		os.Exit(1)
	}
	if err := advisor.Reload(tables.AdvisoryRules); err != nil {
		slog.Error("failed to load advisory rules", "error", err)
		os.Exit(1)
	}
	slog.Info("advisory engine initialized", "rules_count", advisor.RulesCount())

	// Initialize Evaluator
	eval := evaluator.New(store)
	slog.Info("evaluator initialized", "engine_version", evaluator.EngineVersion)

	// Initialize async Worker (Pro edition)
	var asyncWorker *worker.Worker
	if cfg.Edition == domain.EditionPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, eval, advisor)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, store, eval, advisor, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version, store.Version())

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

	slog.Info("kestrel shutdown complete")
}

// loadTables reads the table-set document from the configured file, falling
// back to the most recently stored version in the repository.
func loadTables(ctx context.Context, cfg *domain.Config, repo domain.Repository) (*domain.TableSet, error) {
	if cfg.TablesPath != "" {
		data, err := os.ReadFile(cfg.TablesPath)
		if err == nil {
			var tables domain.TableSet
			if err := json.Unmarshal(data, &tables); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", cfg.TablesPath, err)
			}
			slog.Info("rule tables loaded from file", "path", cfg.TablesPath)
			return &tables, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", cfg.TablesPath, err)
		}
		slog.Warn("tables file not found, falling back to repository", "path", cfg.TablesPath)
	}

	tables, err := repo.GetLatestTableSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("no table set available: %w", err)
	}
	slog.Info("rule tables loaded from repository", "version", tables.Version)
	return tables, nil
}

func printBanner(cfg *domain.Config, version, tablesVersion string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║   Merchant Compliance Threshold Engine    ║")
	fmt.Println("  ║      Watching the dispute horizon.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Edition:  %s\n", cfg.Edition)
	fmt.Printf("  Tables:   %s\n", tablesVersion)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                        - Classify a merchant snapshot")
	fmt.Println("    GET  /classifications/{id}            - Get classification by ID")
	fmt.Println("    GET  /merchants/{id}/classifications  - Merchant classification history")
	fmt.Println("    GET  /tables                          - Active rule tables")
	fmt.Println("    GET  /tables/versions                 - Stored table-set versions")
	fmt.Println("    PUT  /tables                          - Publish a new table set")
	fmt.Println("    POST /tables/reload                   - Reload tables from storage")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
