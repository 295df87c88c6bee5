package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-mapper/internal/importer"
)

var (
	importFormat    string
	importSheet     string
	importBatchSize int
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import historical mappings from CSV or XLSX",
	Long:  "Appends rows with source_field and target_field columns to the training store as import records.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := importer.New(st).ImportFile(ctx, args[0], importer.Options{
			Format:    importFormat,
			SheetName: importSheet,
			BatchSize: importBatchSize,
		})
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		}
		if err != nil {
			return eris.Wrap(err, "import")
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFormat, "format", "", "csv or xlsx (default from the file extension)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "worksheet name for xlsx (default first sheet)")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 500, "records per store batch")
	rootCmd.AddCommand(importCmd)
}
