// Command miru is the operator utility for a local miru database:
// retention pruning, metric rollup, and storage statistics, for hosts
// that schedule these externally (cron) instead of in-process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/miru-obs/miru/internal/config"
	"github.com/miru-obs/miru/internal/storage"
	"github.com/miru-obs/miru/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MIRU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	// Best-effort .env loading for local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("no .env file loaded", "error", err)
	}

	if len(args) == 0 {
		return fmt.Errorf("usage: miru <prune|rollup|clear|stats>")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.RunMigrations(ctx, migrations.FS); err != nil {
		return err
	}

	switch args[0] {
	case "prune":
		res, err := store.Prune(ctx, cfg.SpanRetention, cfg.MaxSpans)
		if err != nil {
			return err
		}
		logger.Info("prune complete",
			"deleted_by_age", res.SpansByAge,
			"deleted_by_count", res.SpansByCount,
			"version", version)
		return nil

	case "rollup":
		if err := store.RunRollup(ctx, time.Now(),
			cfg.MinuteRetention, cfg.HourRetention, cfg.DayRetention); err != nil {
			return err
		}
		logger.Info("rollup complete", "version", version)
		return nil

	case "clear":
		if err := store.ClearAll(ctx); err != nil {
			return err
		}
		logger.Info("span storage cleared")
		return nil

	case "stats":
		n, err := store.CountSpans(ctx)
		if err != nil {
			return err
		}
		logger.Info("storage stats", "db_path", cfg.DBPath, "spans", n)
		return nil

	default:
		return fmt.Errorf("unknown command %q (want prune, rollup, clear, or stats)", args[0])
	}
}
