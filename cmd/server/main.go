// Combinado - escrow-backed negotiation and settlement API
package main

import (
	"context"
	"os"

	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting combinado",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Reconfigure with the loaded level and format.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"persistent", cfg.DatabaseURL != "",
		"sweep_interval", cfg.SweepInterval.String(),
		"platform_fee_pct", cfg.Settings.PlatformFeePercentage.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
