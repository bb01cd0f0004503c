package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/server"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

func main() {
	cfg, loader := config.Loader()

	if err := loader.Load(); err != nil {
		if strings.Contains(err.Error(), "help requested") {
			os.Exit(3)
		}

		panic(err)
	}

	if err := srvlog.Setup(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse config")
	}

	log.Info().Msg("Finished parsing configuration; starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := server.StartServer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
