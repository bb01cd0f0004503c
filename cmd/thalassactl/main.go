// Command thalassactl bundles offline helpers for thalassa-server: listing the catalog,
// rendering plots to PNG files, filling tile directories and generating admin tokens.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pmav99/thalassa-server/pkg/config"
	"github.com/pmav99/thalassa-server/pkg/srvlog"
)

var rootCmd = &cobra.Command{
	Use:           "thalassactl",
	Short:         "Offline tools for thalassa-server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceP("config", "c", nil, "config files (default config.toml, config.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
}

// loadConfig reads the config named by --config and sets up logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	files, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
		if err = cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if err = srvlog.Setup(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}
