// Kestrel - Forensic anomaly detection for audit populations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging))
	otel.SetTextMapPropagator(propagation.TraceContext{})

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"seed", cfg.Analysis.Seed,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	ruleEngine, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer ruleEngine.Close()

	// Rules are configured through POST /rules; there are no built-in defaults.
	loadRules(ctx, repo, ruleEngine)

	p := pipeline.New(pipeline.Deps{
		Store:     repo,
		Engine:    engine.New(cfg.Analysis, ruleEngine),
		Cache:     cacheImpl,
		Bus:       busImpl,
		Rules:     ruleEngine,
		Persist:   cfg.Persist,
		Pipeline:  cfg.Pipeline,
		ReportTTL: cfg.Cache.ReportTTL,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, p)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.Tenants))
		}
	}

	handler := api.NewHandler(repo, cacheImpl, busImpl, ruleEngine, p, Version)
	srv := api.NewServer(api.ServerOptions{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}, handler)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return runErr
}

// loadRules loads every tenant's enabled rules. A failure leaves the engine
// empty for that tenant; rules can still be reloaded through the API.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) {
	tenants, err := repo.ListRuleTenants(ctx)
	if err != nil {
		slog.Warn("failed to list rule tenants", "error", err)
		return
	}
	if len(tenants) == 0 {
		slog.Info("no rules in database - configure via POST /rules API")
		return
	}

	for _, tenantID := range tenants {
		stored, err := repo.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list rules", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := engine.ReloadRules(tenantID, stored); err != nil {
			slog.Warn("failed to load rules", "tenant_id", tenantID, "error", err)
			continue
		}
		slog.Info("rules loaded", "tenant_id", tenantID, "rules_count", engine.RulesCount(tenantID))
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║     Forensic Anomaly Detection Engine     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /populations                - Upload a population")
	fmt.Println("    GET  /populations/{id}           - Get population")
	fmt.Println("    GET  /populations/{id}/rows      - Scored rows (?minScore=)")
	fmt.Println("    POST /populations/{id}/analyze   - Run analysis (?async=&seed=&force=)")
	fmt.Println("    GET  /populations/{id}/analysis  - Latest analysis report")
	fmt.Println("    GET  /rules                      - List loaded rules")
	fmt.Println("    POST /rules                      - Create a custom audit rule")
	fmt.Println("    POST /rules/reload               - Hot-reload rules from database")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
