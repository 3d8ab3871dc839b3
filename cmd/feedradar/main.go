package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/feedradar/internal/app"
	"github.com/lueurxax/feedradar/internal/platform/config"
	db "github.com/lueurxax/feedradar/internal/storage"
)

func main() {
	mode := flag.String("mode", "serve", "Service mode (serve, analyze, validate)")
	target := flag.String("url", "", "Page URL to analyze, or gateway base URL to validate")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var database *db.DB

	if dbCfg := cfg.DatabaseCfg(); *mode == "serve" && dbCfg.Enabled() {
		database, err = db.New(ctx, dbCfg.PostgresDSN, db.PoolOptions{
			MaxConns:        dbCfg.MaxConnections,
			MinConns:        dbCfg.MinConnections,
			MaxConnIdleTime: dbCfg.MaxConnIdleTime,
			MaxConnLifetime: dbCfg.MaxConnLifetime,
		}, &logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	application, err := app.New(cfg, database, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("application init failed")
	}

	if err := runMode(ctx, application, *mode, *target); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("application stopped")
			return
		}

		logger.Fatal().Err(err).Msg("application error")
	}
}

func newLogger(appEnv, level string) zerolog.Logger {
	var logger zerolog.Logger

	if appEnv == "local" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return logger.Level(lvl)
}

func runMode(ctx context.Context, application *app.App, mode, target string) error {
	switch mode {
	case "serve":
		return application.RunServe(ctx)
	case "analyze":
		return application.RunAnalyze(ctx, target, os.Stdout)
	case "validate":
		return application.RunValidate(ctx, target, os.Stdout)
	default:
		log.Fatalf("Usage: %s --mode=[serve|analyze|validate] [--url=URL]", os.Args[0])

		return nil
	}
}
