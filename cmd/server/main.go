// Command server runs the tenantfleet API together with the lifecycle
// dispatcher and reconciler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/tenantfleet/internal/config"
	"github.com/mbd888/tenantfleet/internal/logging"
	"github.com/mbd888/tenantfleet/internal/server"
)

// Set by -ldflags at release time.
var (
	version = ""
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tenantfleet: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if version != "" {
		server.Version = version
	}

	logger.Info("starting tenantfleet",
		"version", server.Version,
		"commit", commit,
		"env", cfg.Env,
		"platform", cfg.Platform,
		"base_domain", cfg.BaseDomain,
		"workers", cfg.Workers,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}
