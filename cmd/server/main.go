// Command server runs the A2A settlement exchange API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/a2a-settlement/exchange/internal/config"
	"github.com/a2a-settlement/exchange/internal/logging"
	"github.com/a2a-settlement/exchange/internal/server"
	"github.com/a2a-settlement/exchange/internal/traces"
)

// Build info, set by ldflags.
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

	logFormat := "text"
	if cfg.IsProduction() {
		logFormat = "json"
	}
	logger := logging.New(cfg.LogLevel, logFormat)

	logger.Info("starting a2a settlement exchange",
		"version", Version, "commit", Commit, "build_time", BuildTime, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
