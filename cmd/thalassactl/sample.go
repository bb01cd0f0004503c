package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pmav99/thalassa-server/pkg/dataset"
)

var sampleCmd = &cobra.Command{
	Use:   "sample <dir.zarr>",
	Short: "Write a synthetic storm surge dataset for local development",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := dataset.DefaultSampleOptions()

		format, _ := cmd.Flags().GetString("format")
		opts.Format = dataset.Format(format)
		opts.NX, _ = cmd.Flags().GetInt("nx")
		opts.NY, _ = cmd.Flags().GetInt("ny")
		opts.Steps, _ = cmd.Flags().GetInt("steps")

		if err := dataset.WriteSample(args[0], opts); err != nil {
			return err
		}

		log.Info().Str("path", args[0]).Str("format", format).Msg("Sample dataset written")
		return nil
	},
}

func init() {
	defaults := dataset.DefaultSampleOptions()
	sampleCmd.Flags().String("format", string(defaults.Format), "variable naming (generic, schism or adcirc)")
	sampleCmd.Flags().Int("nx", defaults.NX, "mesh nodes along the longitude axis")
	sampleCmd.Flags().Int("ny", defaults.NY, "mesh nodes along the latitude axis")
	sampleCmd.Flags().Int("steps", defaults.Steps, "hourly time steps")
	rootCmd.AddCommand(sampleCmd)
}
