package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show training data statistics and the active model",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "stats")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Engine.Analytics(ctx)
		if err != nil {
			return eris.Wrap(err, "analytics")
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
