package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/stackpilot/stackpilot/cmd/stackpilot/commands"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Cancel the root context on interrupt so in-flight operations
	// checkpoint and fail as cancelled instead of being killed mid-write.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}

// setupLogging configures zerolog for structured logging
func setupLogging() {
	cfg := telemetry.LoggingConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: "console",
		Output: "stderr",
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		cfg.Format = "json"
	}
	if err := telemetry.Setup(cfg); err != nil {
		log.Error().Err(err).Msg("Failed to configure logging")
		os.Exit(1)
	}
}
