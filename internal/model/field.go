package model

import (
	"sort"
	"strings"
)

// ValueType is the declared value type of a canonical target field.
type ValueType string

// Value types understood by the type validators.
const (
	ValueText     ValueType = "text"
	ValueDate     ValueType = "date"
	ValuePhone    ValueType = "phone"
	ValueEmail    ValueType = "email"
	ValueCheckbox ValueType = "checkbox"
	ValueNumber   ValueType = "number"
)

// ParseValueType maps a free-form type name onto a ValueType. Unknown or empty
// names are treated as text.
func ParseValueType(s string) ValueType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "date", "datetime", "dob":
		return ValueDate
	case "phone", "tel", "telephone", "fax":
		return ValuePhone
	case "email", "e-mail":
		return ValueEmail
	case "checkbox", "bool", "boolean":
		return ValueCheckbox
	case "number", "numeric", "integer", "int", "float", "currency", "measurement":
		return ValueNumber
	default:
		return ValueText
	}
}

// SourceField is one inconsistently-named field captured from an intake form.
type SourceField struct {
	Name     string `json:"name"`
	RawValue any    `json:"raw_value"`
}

// TargetFieldSpec describes one canonical target field.
type TargetFieldSpec struct {
	Name      string    `json:"name" yaml:"name"`
	Required  bool      `json:"required" yaml:"required"`
	ValueType ValueType `json:"value_type" yaml:"type"`
}

// Schema is the canonical target schema for one manufacturer/document type.
// It is immutable once built; lookups are indexed.
type Schema struct {
	Manufacturer string
	DocumentType string
	Fields       []TargetFieldSpec

	byName   map[string]*TargetFieldSpec
	required []string
}

// NewSchema creates a Schema with indexed lookups. Duplicate names keep the
// first declaration.
func NewSchema(manufacturer, documentType string, fields []TargetFieldSpec) *Schema {
	s := &Schema{
		Manufacturer: manufacturer,
		DocumentType: documentType,
		byName:       make(map[string]*TargetFieldSpec, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			continue
		}
		if _, dup := s.byName[f.Name]; dup {
			continue
		}
		if f.ValueType == "" {
			f.ValueType = ValueText
		}
		s.Fields = append(s.Fields, f)
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		s.byName[f.Name] = f
		if f.Required {
			s.required = append(s.required, f.Name)
		}
	}
	return s
}

// Len returns the number of target fields.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Fields)
}

// Empty reports whether the schema declares no fields.
func (s *Schema) Empty() bool {
	return s.Len() == 0
}

// Has reports whether name is a declared target field.
func (s *Schema) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byName[name]
	return ok
}

// Field returns the spec for name, or nil if not declared.
func (s *Schema) Field(name string) *TargetFieldSpec {
	if s == nil {
		return nil
	}
	return s.byName[name]
}

// TypeOf returns the declared value type of name, text when unknown.
func (s *Schema) TypeOf(name string) ValueType {
	if f := s.Field(name); f != nil {
		return f.ValueType
	}
	return ValueText
}

// Names returns target field names in declaration order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Required returns the required field names in declaration order.
func (s *Schema) Required() []string {
	if s == nil {
		return nil
	}
	return s.required
}

// SortedSourceFields converts a raw source map into SourceFields ordered by
// name so that resolution is independent of map iteration order.
func SortedSourceFields(data map[string]any) []SourceField {
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]SourceField, len(names))
	for i, n := range names {
		out[i] = SourceField{Name: n, RawValue: data[n]}
	}
	return out
}
