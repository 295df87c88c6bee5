// Package schema provides the canonical target schemas per manufacturer and
// document type.
package schema

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/intake-mapper/internal/model"
)

// ErrUnknownDocumentType is returned when no schema is registered for a
// document type.
var ErrUnknownDocumentType = eris.New("schema: unknown document type")

// Provider resolves the canonical schema for a manufacturer and document
// type.
type Provider interface {
	Lookup(ctx context.Context, manufacturer, documentType string) (*model.Schema, error)
}

// Document is one catalog entry. An empty Manufacturer makes it the generic
// schema for its document type.
type Document struct {
	DocumentType string                  `yaml:"document_type"`
	Manufacturer string                  `yaml:"manufacturer"`
	Fields       []model.TargetFieldSpec `yaml:"fields"`
}

type catalogFile struct {
	Schemas []Document `yaml:"schemas"`
}

type key struct {
	manufacturer string
	documentType string
}

func keyOf(manufacturer, documentType string) key {
	return key{
		manufacturer: strings.ToUpper(strings.TrimSpace(manufacturer)),
		documentType: strings.ToUpper(strings.TrimSpace(documentType)),
	}
}

// Catalog is an immutable Provider built once at startup.
type Catalog struct {
	schemas map[key]*model.Schema
}

// NewCatalog indexes docs. Document types are required and each
// (manufacturer, document type) pair may appear once.
func NewCatalog(docs []Document) (*Catalog, error) {
	c := &Catalog{schemas: make(map[key]*model.Schema, len(docs))}
	for i, d := range docs {
		k := keyOf(d.Manufacturer, d.DocumentType)
		if k.documentType == "" {
			return nil, eris.Errorf("schema: entry %d has no document_type", i)
		}
		if _, dup := c.schemas[k]; dup {
			return nil, eris.Errorf("schema: duplicate schema for %q/%q", d.Manufacturer, d.DocumentType)
		}
		fields := make([]model.TargetFieldSpec, len(d.Fields))
		for j, f := range d.Fields {
			f.Name = strings.TrimSpace(f.Name)
			f.ValueType = model.ParseValueType(string(f.ValueType))
			fields[j] = f
		}
		c.schemas[k] = model.NewSchema(strings.TrimSpace(d.Manufacturer), k.documentType, fields)
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog:
//
//	schemas:
//	  - document_type: INSURANCE_CARD
//	    manufacturer: ""        # optional
//	    fields:
//	      - {name: member_id, required: true, type: text}
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read %s", path)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "schema: parse %s", path)
	}
	if len(f.Schemas) == 0 {
		return nil, eris.Errorf("schema: %s declares no schemas", path)
	}
	return NewCatalog(f.Schemas)
}

// Lookup prefers a manufacturer-specific schema and falls back to the
// generic one for the document type.
func (c *Catalog) Lookup(_ context.Context, manufacturer, documentType string) (*model.Schema, error) {
	k := keyOf(manufacturer, documentType)
	if s, ok := c.schemas[k]; ok {
		return s, nil
	}
	if s, ok := c.schemas[key{documentType: k.documentType}]; ok {
		return s, nil
	}
	return nil, eris.Wrapf(ErrUnknownDocumentType, "%q", documentType)
}

// DocumentTypes lists the registered document types, sorted.
func (c *Catalog) DocumentTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range c.schemas {
		if !seen[k.documentType] {
			seen[k.documentType] = true
			out = append(out, k.documentType)
		}
	}
	sort.Strings(out)
	return out
}

func text(name string, required bool) model.TargetFieldSpec {
	return model.TargetFieldSpec{Name: name, Required: required, ValueType: model.ValueText}
}

func typed(name string, vt model.ValueType, required bool) model.TargetFieldSpec {
	return model.TargetFieldSpec{Name: name, Required: required, ValueType: vt}
}

// DefaultCatalog returns the built-in catalog used when no file is
// configured.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Document{
		{
			DocumentType: "INSURANCE_CARD",
			Fields: []model.TargetFieldSpec{
				text("member_id", true),
				text("member_name", true),
				text("insurance_company", true),
				text("group_number", false),
				text("plan_type", false),
				typed("effective_date", model.ValueDate, false),
				typed("primary_care_copay", model.ValueNumber, false),
				typed("specialist_copay", model.ValueNumber, false),
			},
		},
		{
			DocumentType: "CLINICAL_NOTE",
			Fields: []model.TargetFieldSpec{
				text("patient_name", true),
				typed("date_of_service", model.ValueDate, true),
				text("primary_diagnosis", false),
				text("wound_location", false),
				text("wound_type", false),
			},
		},
		{
			DocumentType: "WOUND_PHOTO",
			Fields: []model.TargetFieldSpec{
				text("wound_location", true),
				typed("length", model.ValueNumber, false),
				typed("width", model.ValueNumber, false),
				typed("depth", model.ValueNumber, false),
				text("wound_characteristics", false),
			},
		},
		{
			DocumentType: "INTAKE_FORM",
			Fields: []model.TargetFieldSpec{
				text("patient_first_name", true),
				text("patient_last_name", true),
				typed("patient_dob", model.ValueDate, false),
				typed("patient_phone", model.ValuePhone, false),
				typed("patient_email", model.ValueEmail, false),
				text("member_id", false),
				text("insurance_company", false),
				text("provider_name", false),
				text("provider_npi", false),
				text("icd_code", false),
				typed("consent_signed", model.ValueCheckbox, false),
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
