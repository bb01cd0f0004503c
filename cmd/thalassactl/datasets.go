package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmav99/thalassa-server/pkg/catalog"
	"github.com/pmav99/thalassa-server/pkg/server"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List the datasets the dashboard offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if all, _ := cmd.Flags().GetBool("all"); all {
			cfg.Catalog.SkipLatest = 0
		}

		store, err := server.OpenStore(cfg)
		if err != nil {
			return err
		}

		cat, err := catalog.New(cfg, store, nil)
		if err != nil {
			return err
		}

		names, err := cat.Refresh(cmd.Context())
		if err != nil {
			return err
		}

		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	datasetsCmd.Flags().Bool("all", false, "include the newest datasets that are normally hidden")
	rootCmd.AddCommand(datasetsCmd)
}
