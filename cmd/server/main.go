package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-ephemeral/internal/app"
	"github.com/ksred/klear-ephemeral/internal/config"
)

// main loads the configuration, builds both execution contexts and serves the
// API until SIGINT or SIGTERM, then shuts down gracefully
func main() {
	configPath := flag.String("config", "klear.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}
	app.ConfigureLogging(cfg.Server)
	if err := cfg.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Cancelled on interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer func() {
		if err := a.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close stores")
		}
	}()

	if err := a.Run(ctx); err != nil {
		zlog.Error().Err(err).Msg("Server stopped with error")
		return
	}

	zlog.Info().Msg("Server exiting")
}
