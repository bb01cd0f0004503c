package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pmav99/thalassa-server/pkg/auth"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <name> <viewer|operator>",
	Short: "Generate an admin token and its token file line",
	Long: `Generates a random admin token. Append the printed line to the file named by
admin.tokenfile and hand the token to the user; it is not stored anywhere.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		tkn, line, err := auth.NewToken(cfg, args[0], args[1])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "token: %s\n", tkn)
		fmt.Fprintf(out, "line:  %s\n", line)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
