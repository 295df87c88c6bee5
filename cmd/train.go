package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainForce bool

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Retrain the classifier pool",
	Long:  "Runs a training pass in the foreground. Without --force it trains only when the time or volume trigger is due.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "train")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Trainer.Train(ctx, trainForce)
		if err != nil {
			return eris.Wrap(err, "train")
		}
		if run == nil {
			zap.L().Info("no retraining trigger is due; use --force to train anyway")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), run)
	},
}

func init() {
	trainCmd.Flags().BoolVar(&trainForce, "force", false, "train even when no trigger is due")
	rootCmd.AddCommand(trainCmd)
}
