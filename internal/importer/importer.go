// Package importer bulk-loads historical mapping decisions from CSV or XLSX
// files into the training store.
package importer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/store"
	"github.com/sells-group/intake-mapper/internal/validate"
)

// Supported file formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// maxRowErrors caps the row errors kept in a Result.
const maxRowErrors = 50

// Columns. source_field and target_field are required.
const (
	colSource       = "source_field"
	colTarget       = "target_field"
	colManufacturer = "manufacturer"
	colDocumentType = "document_type"
	colConfidence   = "confidence"
	colSuccess      = "success"
	colTimestamp    = "timestamp"
	colFeedback     = "feedback"
)

// Options controls an import.
type Options struct {
	// Format is csv or xlsx; empty infers it from the file extension.
	Format    string
	SheetName string
	BatchSize int
}

// RowError describes a skipped row. Line is the 1-based row number with the
// header counted; comment and blank lines are not rows.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Result summarizes an import.
type Result struct {
	Rows     int        `json:"rows"`
	Imported int64      `json:"imported"`
	Skipped  int        `json:"skipped"`
	Errors   []RowError `json:"errors,omitempty"`
}

// Importer appends parsed rows to a training store in batches.
type Importer struct {
	store store.TrainingStore
	now   func() time.Time
	log   *zap.Logger
}

// New creates an Importer.
func New(st store.TrainingStore) *Importer {
	return &Importer{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "importer")),
	}
}

// ImportFile reads path and appends every valid row as a TrainingRecord with
// method import. Invalid rows are skipped and reported; a read or store
// failure stops the import after the batches already written.
func (im *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Result, error) {
	// Cancelling stops the reader goroutine when loading returns early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}

	var (
		rows <-chan []string
		errs <-chan error
	)
	switch format {
	case FormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "importer: open csv")
		}
		defer f.Close() //nolint:errcheck
		rows, errs = streamCSV(ctx, f)
	case FormatXLSX:
		rows, errs = streamXLSX(ctx, path, opts.SheetName)
	default:
		return nil, eris.Errorf("importer: unsupported format %q", format)
	}

	res, err := im.load(ctx, rows, errs, opts.BatchSize)
	if err != nil {
		return res, err
	}
	im.log.Info("import complete",
		zap.String("path", path),
		zap.Int("rows", res.Rows),
		zap.Int64("imported", res.Imported),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (im *Importer) load(ctx context.Context, rows <-chan []string, errs <-chan error, batchSize int) (*Result, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	res := &Result{}
	var (
		cols  map[string]int
		batch = make([]model.TrainingRecord, 0, batchSize)
		line  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.AppendRecords(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "importer: append batch ending at line %d", line)
		}
		res.Imported += n
		batch = batch[:0]
		return nil
	}

	for row := range rows {
		line++
		if cols == nil {
			c, err := headerColumns(row)
			if err != nil {
				return res, err
			}
			cols = c
			continue
		}
		if blank(row) {
			continue
		}
		res.Rows++
		rec, err := parseRow(row, cols, im.now().UTC())
		if err != nil {
			res.Skipped++
			if len(res.Errors) < maxRowErrors {
				res.Errors = append(res.Errors, RowError{Line: line, Reason: err.Error()})
			}
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := <-errs; err != nil {
		return res, err
	}
	if cols == nil {
		return res, eris.New("importer: file is empty")
	}
	return res, flush()
}

func headerColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		name = strings.ReplaceAll(name, " ", "_")
		if _, dup := cols[name]; !dup && name != "" {
			cols[name] = i
		}
	}
	for _, req := range []string{colSource, colTarget} {
		if _, ok := cols[req]; !ok {
			return nil, eris.Errorf("importer: header lacks required column %q", req)
		}
	}
	return cols, nil
}

func parseRow(row []string, cols map[string]int, now time.Time) (model.TrainingRecord, error) {
	get := func(col string) string {
		if i, ok := cols[col]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	rec := model.TrainingRecord{
		SourceField:  get(colSource),
		TargetField:  get(colTarget),
		Manufacturer: get(colManufacturer),
		DocumentType: strings.ToUpper(get(colDocumentType)),
		Confidence:   1,
		Success:      true,
		Method:       model.MethodImport,
		Feedback:     get(colFeedback),
		Timestamp:    now,
	}
	if rec.SourceField == "" || rec.TargetField == "" {
		return rec, eris.New("source_field and target_field must be set")
	}
	if s := get(colConfidence); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil || c < 0 || c > 1 {
			return rec, eris.Errorf("confidence %q is not a number in [0, 1]", s)
		}
		rec.Confidence = c
	}
	if s := get(colSuccess); s != "" {
		checked, recognized := validate.Checkbox(s)
		if !recognized {
			return rec, eris.Errorf("success %q is not a boolean", s)
		}
		rec.Success = checked
	}
	if s := get(colTimestamp); s != "" {
		ts, err := parseTimestamp(s)
		if err != nil {
			return rec, err
		}
		rec.Timestamp = ts
	}
	return rec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if d, ok := validate.Date(s); ok {
		ts, err := time.Parse("2006-01-02", d)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, eris.Errorf("timestamp %q is neither RFC 3339 nor a date", s)
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
