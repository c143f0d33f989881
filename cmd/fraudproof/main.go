// FraudProof - Fraud scoring with tamper-evident on-chain anchoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fraudproof/internal/api"
	"github.com/opensource-finance/fraudproof/internal/assessment"
	"github.com/opensource-finance/fraudproof/internal/bus"
	"github.com/opensource-finance/fraudproof/internal/cache"
	"github.com/opensource-finance/fraudproof/internal/chain"
	"github.com/opensource-finance/fraudproof/internal/config"
	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
	"github.com/opensource-finance/fraudproof/internal/model"
	"github.com/opensource-finance/fraudproof/internal/repository"
	"github.com/opensource-finance/fraudproof/internal/scoring"
	"github.com/opensource-finance/fraudproof/internal/traces"
	"github.com/opensource-finance/fraudproof/internal/worker"
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
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting fraudproof",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"anchor_mode", cfg.Anchoring.Mode,
		"anchor_threshold", cfg.Anchoring.Threshold,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := traces.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if pool, ok := repo.(interface{ DB() *sql.DB }); ok {
		go metrics.StartDBStatsCollector(ctx, pool.DB(), 15*time.Second)
	}

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Models load fail-fast: no partial registry.
	registry, err := model.Load(cfg.Models)
	if err != nil {
		slog.Error("failed to load model bundles", "dir", cfg.Models.Dir, "error", err)
		os.Exit(1)
	}
	for _, b := range registry.Bundles() {
		slog.Info("model bundle ready",
			"domain", b.Domain,
			"kind", b.Kind,
			"version", b.Version,
			"features", len(b.Features),
		)
	}

	deps := assessment.Deps{
		Scorer:     scoring.NewPipeline(registry),
		Repository: repo,
		Bus:        busImpl,
		Anchoring:  cfg.Anchoring,
	}

	client, err := dialChain(ctx, cfg.Chain)
	if err != nil {
		slog.Error("failed to connect to chain", "error", err)
		os.Exit(1)
	}
	if client != nil {
		defer client.Close()

		writer, err := chain.NewWriter(client, chain.WriterConfig{
			PrivateKey:      cfg.Chain.PrivateKey,
			ContractAddress: cfg.Chain.ContractAddress,
			ChainID:         cfg.Chain.ChainID,
			GasLimit:        cfg.Chain.GasLimit,
			PollInterval:    cfg.Chain.PollInterval,
			ConfirmTimeout:  cfg.Anchoring.ConfirmTimeout,
		})
		if err != nil {
			slog.Error("failed to initialize chain writer", "error", err)
			os.Exit(1)
		}
		if !writer.Ready() {
			slog.Warn("PRIVATE_KEY or CONTRACT_ADDRESS not set; anchoring will be rejected")
		} else {
			slog.Info("chain writer initialized",
				"signer", writer.Address().Hex(),
				"contract", cfg.Chain.ContractAddress,
				"chain_id", cfg.Chain.ChainID,
			)
		}
		deps.Writer = writer

		reader, err := chain.NewReader(client, cfg.Chain.ContractAddress,
			chain.WithCache(cacheImpl, cfg.Cache.ChainEventTTL),
		)
		if err != nil {
			slog.Error("failed to initialize chain reader", "error", err)
			os.Exit(1)
		}
		deps.Reader = reader
	}

	svc, err := assessment.NewService(deps)
	if err != nil {
		slog.Error("failed to initialize assessment service", "error", err)
		os.Exit(1)
	}

	var anchorWorker *worker.AnchorWorker
	if cfg.Anchoring.Mode == domain.AnchorModeAsync {
		anchorWorker = worker.NewAnchorWorker(busImpl, svc, worker.Config{
			WorkerCount:  cfg.Anchoring.WorkerCount,
			DrainTimeout: cfg.Anchoring.ConfirmTimeout + 10*time.Second,
		})
		if err := anchorWorker.Start(); err != nil {
			slog.Error("failed to start anchor worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, api.Dependencies{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fraudproof is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version, svc.Info())

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the worker after the server so no new requests are queued.
	if anchorWorker != nil {
		if err := anchorWorker.Stop(); err != nil {
			slog.Error("failed to stop anchor worker", "error", err)
		}
	}

	slog.Info("fraudproof shutdown complete")
}

// dialChain returns nil without an RPC URL: the service then scores and
// persists but neither anchors nor reads.
func dialChain(ctx context.Context, cfg domain.ChainConfig) (chain.Client, error) {
	if cfg.RPCURL == "" {
		slog.Warn("RPC_URL not set; blockchain anchoring and reads disabled")
		return nil, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	slog.Info("chain client connected", "chain_id", cfg.ChainID)
	return client, nil
}

func printBanner(cfg *domain.Config, version string, info assessment.Info) {
	anchoring := "disabled"
	if info.AnchoringEnabled {
		anchoring = fmt.Sprintf("%s, score > %d", info.AnchorMode, info.FraudThreshold)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               FRAUDPROOF                  ║")
	fmt.Println("  ║   Fraud scoring, anchored on-chain.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:   %s\n", version)
	fmt.Printf("  Tier:      %s\n", cfg.Tier)
	fmt.Printf("  Server:    http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Anchoring: %s\n", anchoring)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect                   - Score a transaction")
	fmt.Println("    GET  /assessments              - List assessments (?domain=)")
	fmt.Println("    GET  /assessments/{id}         - Get assessment with chain data")
	fmt.Println("    POST /assessments/{id}/anchor  - Retry anchoring")
	fmt.Println("    GET  /chain/{txHash}           - Read an anchored score")
	fmt.Println("    GET  /info                     - Service info")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println("    GET  /metrics                  - Prometheus metrics")
	fmt.Println()
}
