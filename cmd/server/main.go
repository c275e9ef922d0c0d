// Gigescrow - escrow payments for a freelance marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting gigescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.PaymentCurrency,
		"persistent", cfg.DatabaseURL != "",
		"webhooks", cfg.StripeWebhookSecret != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
