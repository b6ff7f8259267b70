// Package main runs the embedding pipeline worker daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptique/embedding-pipeline/internal/config"
	"github.com/cryptique/embedding-pipeline/internal/db"
	"github.com/cryptique/embedding-pipeline/internal/embedding"
	"github.com/cryptique/embedding-pipeline/internal/ledger"
	"github.com/cryptique/embedding-pipeline/internal/metrics"
	"github.com/cryptique/embedding-pipeline/internal/orchestrator"
	"github.com/cryptique/embedding-pipeline/internal/processor"
	"github.com/cryptique/embedding-pipeline/internal/sink"
	"github.com/cryptique/embedding-pipeline/internal/source"
)

func main() {
	initSchema := flag.Bool("init-schema", true, "define pipeline tables and indexes on startup")
	flag.Parse()

	cfg := config.Load()

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting pipeline-worker",
		"http_addr", cfg.HTTPAddr,
		"embed_provider", cfg.EmbedProvider,
		"embed_model", cfg.EmbedModel)

	ctx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		cancelConnect()
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if *initSchema {
		if err := client.InitSchema(ctx, cfg.EmbedDimension); err != nil {
			cancelConnect()
			logger.Error("schema initialization failed", "error", err)
			os.Exit(1)
		}
	}
	cancelConnect()
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Error("database close failed", "error", err)
		}
	}()

	embedder, err := embedding.New(context.Background(), cfg)
	if err != nil {
		logger.Error("embedder initialization failed", "error", err)
		os.Exit(1)
	}
	if embedder.Dimension() != cfg.EmbedDimension {
		logger.Error("embedder dimension does not match schema",
			"embedder", embedder.Dimension(), "schema", cfg.EmbedDimension)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	proc, err := processor.New(source.NewRenderer(),
		processor.WithLogger(logger),
		processor.WithCollector(collector))
	if err != nil {
		logger.Error("processor initialization failed", "error", err)
		os.Exit(1)
	}

	orchCfg, err := orchestrator.LoadConfig(cfg.OrchestratorFile)
	if err != nil {
		logger.Error("orchestrator config failed", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(
		ledger.NewSurrealStore(client),
		source.NewSurrealProvider(client),
		proc,
		embedder,
		sink.NewSurrealSink(client),
		orchCfg,
		orchestrator.WithLogger(logger),
		orchestrator.WithCollector(collector),
	)
	if err != nil {
		logger.Error("orchestrator initialization failed", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	orch.Start(runCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := orch.GetHealthStatus(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.State == orchestrator.HealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.GetMetrics())
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("http endpoints available", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down pipeline-worker...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown incomplete", "error", err)
	}

	logger.Info("pipeline-worker stopped")
}
