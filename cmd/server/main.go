// Holdfast - escrow custody with fee quoting and arbitration
package main

import (
	"context"
	"os"

	"github.com/mbd888/holdfast/internal/config"
	"github.com/mbd888/holdfast/internal/logging"
	"github.com/mbd888/holdfast/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting holdfast",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"arbitrators", len(cfg.ArbitrationPool),
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
