package schema

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-mapper/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()
	c := DefaultCatalog()
	assert.Equal(t, []string{"CLINICAL_NOTE", "INSURANCE_CARD", "INTAKE_FORM", "WOUND_PHOTO"}, c.DocumentTypes())

	s, err := c.Lookup(context.Background(), "SKYE Biologics", "intake_form")
	require.NoError(t, err)
	assert.Equal(t, "INTAKE_FORM", s.DocumentType)
	assert.Equal(t, []string{"patient_first_name", "patient_last_name"}, s.Required())
	assert.Equal(t, model.ValueDate, s.TypeOf("patient_dob"))
	assert.Equal(t, model.ValueCheckbox, s.TypeOf("consent_signed"))
}

func TestLookup_Unknown(t *testing.T) {
	t.Parallel()
	_, err := DefaultCatalog().Lookup(context.Background(), "", "PRESCRIPTION")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDocumentType))
}

func TestLookup_ManufacturerOverride(t *testing.T) {
	t.Parallel()
	c, err := NewCatalog([]Document{
		{DocumentType: "ORDER_FORM", Fields: []model.TargetFieldSpec{{Name: "product"}}},
		{DocumentType: "ORDER_FORM", Manufacturer: "BioWerX", Fields: []model.TargetFieldSpec{{Name: "graft_size"}}},
	})
	require.NoError(t, err)

	s, err := c.Lookup(context.Background(), "biowerx", "ORDER_FORM")
	require.NoError(t, err)
	assert.Equal(t, []string{"graft_size"}, s.Names())
	assert.Equal(t, "BioWerX", s.Manufacturer)

	s, err = c.Lookup(context.Background(), "MEDLIFE", "ORDER_FORM")
	require.NoError(t, err)
	assert.Equal(t, []string{"product"}, s.Names())
}

func TestNewCatalog_Errors(t *testing.T) {
	t.Parallel()
	_, err := NewCatalog([]Document{{Fields: []model.TargetFieldSpec{{Name: "x"}}}})
	assert.Error(t, err)

	_, err = NewCatalog([]Document{{DocumentType: "A"}, {DocumentType: "a"}})
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schemas:
  - document_type: insurance_card
    fields:
      - {name: member_id, required: true, type: text}
      - {name: effective_date, type: datetime}
      - {name: payer_phone, type: tel}
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	s, err := c.Lookup(context.Background(), "", "INSURANCE_CARD")
	require.NoError(t, err)
	assert.Equal(t, []string{"member_id", "effective_date", "payer_phone"}, s.Names())
	assert.Equal(t, model.ValueDate, s.TypeOf("effective_date"))
	assert.Equal(t, model.ValuePhone, s.TypeOf("payer_phone"))
	assert.True(t, s.Field("member_id").Required)
}

func TestLoadCatalog_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := LoadCatalog(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("schemas: []\n"), 0o644))
	_, err = LoadCatalog(empty)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("schemas: [unterminated\n"), 0o644))
	_, err = LoadCatalog(bad)
	assert.Error(t, err)
}
