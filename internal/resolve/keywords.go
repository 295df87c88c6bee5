package resolve

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// AnyDocumentType keys the keyword table used for document types with no
// table of their own.
const AnyDocumentType = "*"

// KeywordGroup links a keyword found in a source name to the target names it
// suggests, most specific first.
type KeywordGroup struct {
	Keyword string   `yaml:"keyword"`
	Targets []string `yaml:"targets"`
}

// Keywords holds ordered keyword groups per document type. It is built once
// and never mutated.
type Keywords struct {
	byDocType map[string][]KeywordGroup
}

type keywordsFile struct {
	DocumentTypes map[string][]KeywordGroup `yaml:"document_types"`
}

// NewKeywords builds a keyword table. Document type keys are matched
// case-insensitively; keywords and targets are normalized.
func NewKeywords(tables map[string][]KeywordGroup) *Keywords {
	k := &Keywords{byDocType: make(map[string][]KeywordGroup, len(tables))}
	for docType, groups := range tables {
		out := make([]KeywordGroup, 0, len(groups))
		for _, g := range groups {
			kw := NormalizeName(g.Keyword)
			if kw == "" {
				continue
			}
			targets := make([]string, 0, len(g.Targets))
			for _, t := range g.Targets {
				if n := NormalizeName(t); n != "" {
					targets = append(targets, n)
				}
			}
			out = append(out, KeywordGroup{Keyword: kw, Targets: targets})
		}
		k.byDocType[docTypeKey(docType)] = out
	}
	return k
}

// For returns the keyword groups for documentType, falling back to the
// generic table.
func (k *Keywords) For(documentType string) []KeywordGroup {
	if k == nil {
		return nil
	}
	if groups, ok := k.byDocType[docTypeKey(documentType)]; ok {
		return groups
	}
	return k.byDocType[AnyDocumentType]
}

func docTypeKey(s string) string {
	s = strings.TrimSpace(s)
	if s == AnyDocumentType {
		return s
	}
	return strings.ToUpper(s)
}

// LoadKeywords reads keyword tables from a YAML file of the form
//
//	document_types:
//	  INSURANCE_CARD:
//	    - keyword: member
//	      targets: [member_id, member_name]
func LoadKeywords(path string) (*Keywords, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: read keywords %s", path)
	}
	var f keywordsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "resolve: parse keywords yaml")
	}
	if len(f.DocumentTypes) == 0 {
		return nil, eris.Errorf("resolve: keywords file %s declares no document types", path)
	}
	return NewKeywords(f.DocumentTypes), nil
}

// DefaultKeywords returns the built-in medical intake keyword tables.
func DefaultKeywords() *Keywords {
	return NewKeywords(map[string][]KeywordGroup{
		"INSURANCE_CARD": {
			{"member", []string{"member_id", "member_name", "member_number", "subscriber_id"}},
			{"insurance", []string{"insurance_company", "insurance_plan", "plan_type", "payer_name"}},
			{"group", []string{"group_number", "group_id", "employer_group"}},
			{"effective", []string{"effective_date", "start_date", "coverage_start"}},
			{"copay", []string{"copay", "copayment", "primary_care_copay", "specialist_copay"}},
			{"deductible", []string{"deductible", "annual_deductible", "family_deductible"}},
			{"plan", []string{"plan_type", "plan_name", "benefit_plan"}},
			{"id", []string{"member_id", "policy_id", "subscriber_id"}},
			{"phone", []string{"phone", "phone_number", "contact_phone"}},
			{"address", []string{"address", "member_address", "billing_address"}},
		},
		"CLINICAL_NOTE": {
			{"patient", []string{"patient_name", "patient_first_name", "patient_last_name"}},
			{"name", []string{"patient_name", "member_name", "first_name", "last_name"}},
			{"date", []string{"date_of_service", "visit_date", "appointment_date"}},
			{"diagnosis", []string{"primary_diagnosis", "diagnosis", "icd10_code"}},
			{"wound", []string{"wound_location", "wound_type", "wound_size", "wound_description"}},
			{"treatment", []string{"treatment_plan", "treatment", "intervention"}},
			{"medication", []string{"medications", "prescribed_medications", "current_medications"}},
			{"physician", []string{"physician_name", "provider_name", "attending_physician"}},
		},
		"WOUND_PHOTO": {
			{"location", []string{"wound_location", "anatomical_location", "body_site"}},
			{"size", []string{"wound_size", "dimensions", "measurements"}},
			{"length", []string{"length", "wound_length", "longest_dimension"}},
			{"width", []string{"width", "wound_width", "widest_dimension"}},
			{"depth", []string{"depth", "wound_depth", "deepest_measurement"}},
			{"stage", []string{"staging", "wound_stage", "pressure_ulcer_stage"}},
			{"characteristics", []string{"wound_characteristics", "appearance", "description"}},
		},
		AnyDocumentType: {
			{"dob", []string{"patient_dob", "date_of_birth"}},
			{"npi", []string{"physician_npi", "provider_npi", "facility_npi"}},
			{"icd", []string{"icd10_code", "diagnosis_code", "primary_diagnosis"}},
			{"member", []string{"member_id", "primary_member_id", "subscriber_id"}},
			{"phone", []string{"patient_phone", "phone", "phone_number"}},
			{"email", []string{"patient_email", "email"}},
			{"payer", []string{"primary_insurance_name", "payer_name", "insurance_company"}},
		},
	})
}
