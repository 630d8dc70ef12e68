// Package main provides citectl, the command-line client for citation insight.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bull/citation-insight/internal/app"
	"github.com/bull/citation-insight/internal/config"
	"github.com/bull/citation-insight/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "citectl",
	Short: "Citation insight command-line tool",
	Long: `CLI for ingesting text and citations, searching the embedding index,
analysing citations and predicting the citation performance of new content.

Configuration is read from .env, an optional --config file and the
environment (CITE_* variables plus OPENAI_API_KEY, GEMINI_API_KEY,
QDRANT_HOST, QDRANT_PORT and REDIS_URL).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(ingestCmd, reconcileCmd, analyzeCmd, predictCmd, searchCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openApp loads configuration and wires the service for one command.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	cfg.Log.Format = "text"
	logger := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if verbose {
		for _, w := range warnings {
			logger.Warn(w)
		}
	}

	return app.New(ctx, cfg, logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
