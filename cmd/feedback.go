package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-mapper/internal/engine"
)

var feedbackReq engine.FeedbackRequest

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record whether a mapping was correct",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "feedback")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Engine.Feedback(ctx, feedbackReq)
		if err != nil {
			return eris.Wrap(err, "record feedback")
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func init() {
	f := feedbackCmd.Flags()
	f.StringVar(&feedbackReq.SourceField, "source", "", "source field name (required)")
	f.StringVar(&feedbackReq.TargetField, "target", "", "correct target field (required)")
	f.StringVar(&feedbackReq.Manufacturer, "manufacturer", "", "manufacturer")
	f.StringVar(&feedbackReq.DocumentType, "document-type", "", "document type")
	f.Float64Var(&feedbackReq.Confidence, "confidence", 1, "confidence of the reported mapping")
	f.BoolVar(&feedbackReq.Success, "success", true, "whether the mapping was accepted")
	f.StringVar(&feedbackReq.Feedback, "note", "", "free-text feedback")
	_ = feedbackCmd.MarkFlagRequired("source")
	_ = feedbackCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(feedbackCmd)
}
