package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stdout, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// The data directory is created on first start, like `mkdir -p`.
	if cfg.Storage.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.Storage.DBPath)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dbDir, err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	langs := cfg.EnabledLanguages()
	l, err := newLaunchers(ctx, cfg, langs, logger)
	if err != nil {
		return err
	}
	// Closed last: the server stops every container-backed worker first.
	defer l.Close()

	logger.Info("starting worker pools",
		slog.String("backend", cfg.Executor.Backend),
		slog.Any("languages", langs),
	)
	reg, err := buildRegistry(ctx, cfg, langs, l, logger, nil)
	if err != nil {
		return fmt.Errorf("starting worker pools: %w", err)
	}

	srv, err := server.New(cfg, reg, logger)
	if err != nil {
		_ = reg.Shutdown(context.Background())
		return err
	}

	// Start blocks until SIGINT or SIGTERM.
	return srv.Start()
}
