package model

import "fmt"

// Strategy names the matching technique that produced a candidate.
type Strategy string

// Matching strategies, in heuristic priority order followed by the ML and
// oracle sources.
const (
	StrategyExact     Strategy = "exact"
	StrategySubstring Strategy = "substring"
	StrategyFuzzy     Strategy = "fuzzy"
	StrategySemantic  Strategy = "semantic"
	StrategyPattern   Strategy = "pattern"
	StrategyEnsemble  Strategy = "ml_ensemble"
	StrategyOracle    Strategy = "oracle"
	StrategyFallback  Strategy = "fallback"
)

// MappingCandidate is one proposed target for a source field.
type MappingCandidate struct {
	Target     string   `json:"target"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"strategy"`
}

// Alternative is a runner-up target suggested by the classifier pool.
type Alternative struct {
	Target      string  `json:"target"`
	Probability float64 `json:"probability"`
}

// ResolutionState tracks a single source field through resolution.
type ResolutionState int

// Per-field resolution states. Recorded is always reached.
const (
	StatePending ResolutionState = iota
	StateHeuristicDone
	StateMLAttempted
	StateTypeValidated
	StateRecorded
)

func (s ResolutionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHeuristicDone:
		return "heuristic_done"
	case StateMLAttempted:
		return "ml_attempted"
	case StateTypeValidated:
		return "type_validated"
	case StateRecorded:
		return "recorded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FieldMapping is the resolution outcome for one source field.
type FieldMapping struct {
	Source               string          `json:"source"`
	Target               string          `json:"target"`
	RawValue             any             `json:"raw_value"`
	Value                any             `json:"value"`
	Confidence           float64         `json:"confidence"`
	StructuralConfidence float64         `json:"structural_confidence"`
	Strategy             Strategy        `json:"strategy"`
	Model                string          `json:"model,omitempty"`
	Alternatives         []Alternative   `json:"alternatives,omitempty"`
	Mapped               bool            `json:"mapped"`
	Reason               string          `json:"reason,omitempty"`
	State                ResolutionState `json:"-"`
}

// MappingResult is the output of one resolution call.
type MappingResult struct {
	RequestID       string             `json:"request_id"`
	Manufacturer    string             `json:"manufacturer"`
	DocumentType    string             `json:"document_type"`
	Values          map[string]any     `json:"values"`
	Confidence      map[string]float64 `json:"confidence"`
	Strategies      map[string]string  `json:"strategies"`
	Fields          []FieldMapping     `json:"fields"`
	CompositeScore  float64            `json:"composite_score"`
	QualityGrade    string             `json:"quality_grade"`
	MissingRequired []string           `json:"missing_required,omitempty"`
	LowConfidence   []string           `json:"low_confidence,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Notes           []string           `json:"notes,omitempty"`
	ModelVersion    string             `json:"model_version,omitempty"`
}

// Mapped returns the field mappings that made it into the final result.
func (r *MappingResult) Mapped() []FieldMapping {
	var out []FieldMapping
	for _, f := range r.Fields {
		if f.Mapped {
			out = append(out, f)
		}
	}
	return out
}
