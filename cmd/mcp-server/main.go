// Package main provides the MCP server entry point for citation insight.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bull/citation-insight/internal/app"
	"github.com/bull/citation-insight/internal/config"
	"github.com/bull/citation-insight/internal/logging"
	mcpserver "github.com/bull/citation-insight/internal/mcp"
)

// Settings come from the environment; CITE_CONFIG optionally names a config file.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, os.Stderr)

	warnings, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Reconcile.Enabled {
		scheduler, err := a.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to schedule reconcile: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	mcpConfig := &mcpserver.Config{
		Resolver:  a.Resolver,
		Searcher:  a.Search,
		Analyzer:  a.Analysis,
		Predictor: a.Prediction,
		Indexer:   a.Indexer,
		Records:   a.Store,
		Logger:    logger,
	}
	if a.Qdrant != nil {
		mcpConfig.Points = a.Qdrant
	}
	server := mcpserver.NewServer(mcpConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", mcpserver.NewHealthHandler(healthChecks(a)))
	mux.Handle("/mcp", server.HTTPHandler(false))
	mux.HandleFunc("/", mcpserver.NewLandingHandler(server))

	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if cfg.Server.Mode == "http" {
		// HTTP mode: serve MCP over HTTP for remote clients
		logger.Info("Starting HTTP server", "addr", httpServer.Addr, "mcp", "/mcp", "health", "/health")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	}

	// Stdio mode: MCP over stdin/stdout, health endpoint in the background
	go func() {
		logger.Info("Starting health server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Health server error", "error", err)
		}
	}()

	logger.Info("Starting Citation Insight MCP server (stdio mode)")
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func healthChecks(a *app.App) map[string]mcpserver.HealthCheck {
	checks := map[string]mcpserver.HealthCheck{
		"sqlite": a.Store.Ping,
	}
	if a.Qdrant != nil {
		checks["qdrant"] = a.Qdrant.Health
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}
	}
	return checks
}
