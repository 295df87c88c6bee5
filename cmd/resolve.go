package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-mapper/internal/engine"
)

var (
	resolveDocumentType string
	resolveManufacturer string
	resolveInput        string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one set of intake fields read as JSON",
	Long:  "Reads a JSON object of source fields from --input (or stdin) and prints the mapping result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		data, err := readFields(cmd.InOrStdin(), resolveInput)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Resolve(ctx, engine.Request{
			Manufacturer: resolveManufacturer,
			DocumentType: resolveDocumentType,
			Data:         data,
		})
		if err != nil {
			return eris.Wrap(err, "resolve")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

// readFields decodes a JSON object from path, or from stdin when path is
// empty or "-".
func readFields(stdin io.Reader, path string) (map[string]any, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "open input")
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	var data map[string]any
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, eris.Wrap(err, "decode input fields")
	}
	if len(data) == 0 {
		return nil, eris.New("input has no fields")
	}
	return data, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolveDocumentType, "document-type", "", "document type, e.g. INSURANCE_CARD (required)")
	resolveCmd.Flags().StringVar(&resolveManufacturer, "manufacturer", "", "manufacturer the document belongs to")
	resolveCmd.Flags().StringVar(&resolveInput, "input", "", "path to a JSON object of fields (default stdin)")
	_ = resolveCmd.MarkFlagRequired("document-type")
	rootCmd.AddCommand(resolveCmd)
}
