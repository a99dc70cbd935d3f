package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/cluster"
	"github.com/ctring/slog/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint32("replica", cfg.Config.Local.Replica).
		Uint32("partition", cfg.Config.Local.Partition).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	log.Info().Msg("SLOG - Deterministic Geo-Replicated Transactions")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	machine, err := cluster.NewMachine(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build machine")
		return
	}

	log.Info().Msg("Synchronizing with the cluster")
	if err := machine.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start machine")
		return
	}
	defer machine.Stop()

	log.Info().
		Stringer("machine", cfg.Config.Local).
		Int("server_port", cfg.Config.ServerPort).
		Str("protocol", string(cfg.Config.Protocol)).
		Msg("SLOG started successfully")

	// Keep running
	select {}
}
