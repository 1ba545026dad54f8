package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/aiagent"
	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/callstore"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"agent_api", cfg.AgentAPIBaseURL,
	)

	// Open the call record store and run migrations. PostgreSQL when a DSN
	// is configured, embedded SQLite otherwise.
	var store callstore.Store
	if cfg.PostgresDSN != "" {
		store, err = callstore.OpenPostgres(cfg.PostgresDSN)
	} else {
		store, err = callstore.Open(cfg.DataDir)
	}
	if err != nil {
		slog.Error("failed to open call record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Asynchronous call record updater; its queue decouples persistence
	// from the relay path.
	updater := callstore.NewUpdater(store, logger)

	// Outbound AI agent connector.
	connector, err := aiagent.NewConnector(cfg.AgentAPIBaseURL, cfg.AgentAPIKey, cfg.SendTimeout, logger)
	if err != nil {
		slog.Error("failed to create agent connector", "error", err)
		os.Exit(1)
	}

	registry := bridge.NewRegistry()

	// Scrape-time metrics over live sessions and durable call records.
	collector := metrics.NewCollector(registry, store, time.Now())
	prometheus.MustRegister(collector)

	// Application context for active bridge sessions; canceled on shutdown
	// so hijacked stream connections wind down too.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	handlerSrv := api.NewServer(appCtx, cfg, store, registry, connector, updater, logger)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handlerSrv,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Active bridge sessions observe the
	// request context cancellation and wind down their legs.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	handlerSrv.Close()

	// Drain pending call record writes before closing the store.
	updater.Close()

	slog.Info("voicebridge stopped")
}
