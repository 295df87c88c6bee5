package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("History")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "history.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestImportFile_CSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	path := writeCSV(t, `source_field,target_field,manufacturer,document_type,confidence,success,timestamp
first_name,patient_first_name,ACME,intake_form,0.9,true,2026-03-01T10:00:00Z
dob,patient_dob,ACME,INTAKE_FORM,0.85,no,03/02/2026
# comment lines are ignored
,patient_last_name,ACME,INTAKE_FORM,0.8,yes,
member,member_id,ACME,INSURANCE_CARD,1.7,yes,
phone,patient_phone,ACME,INTAKE_FORM,,maybe,

insurance_id,member_id,SKYE,INSURANCE_CARD,,,
`)

	im := New(st)
	im.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	res, err := im.ImportFile(ctx, path, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Rows)
	assert.Equal(t, int64(3), res.Imported)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 4, res.Errors[0].Line)
	assert.Contains(t, res.Errors[1].Reason, "confidence")
	assert.Contains(t, res.Errors[2].Reason, "success")

	recs, err := st.ListRecordsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	byTarget := make(map[string]model.TrainingRecord)
	for _, r := range recs {
		assert.Equal(t, model.MethodImport, r.Method)
		byTarget[r.TargetField] = r
	}
	assert.Equal(t, "INTAKE_FORM", byTarget["patient_first_name"].DocumentType)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), byTarget["patient_first_name"].Timestamp)
	assert.False(t, byTarget["patient_dob"].Success)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), byTarget["patient_dob"].Timestamp)
	assert.True(t, byTarget["member_id"].Success)
	assert.Equal(t, 1.0, byTarget["member_id"].Confidence)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), byTarget["member_id"].Timestamp)
}

func TestImportFile_XLSX(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	path := createTestXLSX(t, [][]string{
		{"Source Field", "Target Field", "Manufacturer", "Success", "Feedback"},
		{"wound_description", "clinical_notes", "BioWerX", "1", "verified by intake"},
		{"diagnosis_code", "icd_code", "MEDLIFE SOLUTIONS", "0", ""},
	})

	res, err := New(st).ImportFile(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Imported)
	assert.Zero(t, res.Skipped)

	stats, err := st.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRecords)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestImportFile_MissingRequiredColumn(t *testing.T) {
	t.Parallel()
	path := writeCSV(t, "source_field,manufacturer\ndob,ACME\n")
	_, err := New(newTestStore(t)).ImportFile(context.Background(), path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_field")
}

func TestImportFile_EmptyFile(t *testing.T) {
	t.Parallel()
	path := writeCSV(t, "")
	_, err := New(newTestStore(t)).ImportFile(context.Background(), path, Options{})
	assert.Error(t, err)
}

func TestImportFile_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	_, err := New(newTestStore(t)).ImportFile(context.Background(), "history.json", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestImportFile_MissingSheet(t *testing.T) {
	t.Parallel()
	path := createTestXLSX(t, [][]string{{"source_field", "target_field"}})
	_, err := New(newTestStore(t)).ImportFile(context.Background(), path, Options{SheetName: "Nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestImportFile_FormatOverride(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.txt")
	require.NoError(t, os.WriteFile(path, []byte("source_field,target_field\ndob,patient_dob\n"), 0o644))

	res, err := New(newTestStore(t)).ImportFile(context.Background(), path, Options{Format: "CSV"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Imported)
}

func TestHeaderColumns(t *testing.T) {
	t.Parallel()
	cols, err := headerColumns([]string{"\ufeffSource_Field", " target field ", "source_field"})
	require.NoError(t, err)
	assert.Equal(t, 0, cols[colSource])
	assert.Equal(t, 1, cols[colTarget])
}
