// v402 facilitator - verifies and settles x402 payments on-chain
package main

import (
	"context"
	"os"

	"github.com/Dream-Voyage/v402/internal/config"
	"github.com/Dream-Voyage/v402/internal/logging"
	"github.com/Dream-Voyage/v402/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting v402 facilitator",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"network", cfg.Network,
		"chain_id", cfg.ChainID,
		"usdc_contract", cfg.USDCContract,
		"persistent", cfg.DatabaseURL != "",
	)

	if Version != "dev" {
		server.Version = Version
	}
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
