// Package quality grades a mapping result and explains how to improve it.
package quality

import (
	"fmt"
	"strings"

	"github.com/sells-group/intake-mapper/internal/model"
)

// Composite weights.
const (
	weightConfidence = 0.5
	weightCoverage   = 0.3
	weightHigh       = 0.2
)

// maxListed caps the field names quoted in one recommendation.
const maxListed = 3

// Config holds the scorer thresholds.
type Config struct {
	WarnBelow      float64 // composite below this emits a warning
	HighConfidence float64 // fields at or above count as high confidence
	LowConfidence  float64 // mapped fields below this are flagged for review
	NoteBelow      float64 // mappings below this get a processing note
	ReviewBelow    float64 // average below this suggests the oracle
	FewFields      int     // fewer mapped fields than this is suspicious
	OracleEnabled  bool
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		WarnBelow:      0.6,
		HighConfidence: 0.8,
		LowConfidence:  0.5,
		NoteBelow:      0.6,
		ReviewBelow:    0.8,
		FewFields:      3,
	}
}

type band struct {
	min   float64
	grade string
}

// bands are ordered best first; the last one catches everything.
var bands = []band{
	{0.9, "A+"},
	{0.85, "A"},
	{0.8, "A-"},
	{0.75, "B+"},
	{0.7, "B"},
	{0.65, "B-"},
	{0.6, "C+"},
	{0.55, "C"},
	{0.5, "C-"},
	{0.4, "D"},
}

// Grade maps a composite score onto a letter grade. Higher scores never get
// a worse grade.
func Grade(score float64) string {
	for _, b := range bands {
		if score >= b.min {
			return b.grade
		}
	}
	return "F"
}

// Rank returns the position of grade from best (0) to worst, or -1 when the
// grade is unknown.
func Rank(grade string) int {
	for i, b := range bands {
		if b.grade == grade {
			return i
		}
	}
	if grade == "F" {
		return len(bands)
	}
	return -1
}

// Report is the quality assessment of one mapping result.
type Report struct {
	Composite           float64  `json:"composite"`
	Grade               string   `json:"grade"`
	AvgConfidence       float64  `json:"avg_confidence"`
	Coverage            float64  `json:"coverage"`
	HighConfidenceRatio float64  `json:"high_confidence_ratio"`
	MissingRequired     []string `json:"missing_required,omitempty"`
	LowConfidence       []string `json:"low_confidence,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Recommendations     []string `json:"recommendations,omitempty"`
	Notes               []string `json:"notes,omitempty"`
}

// Scorer computes Reports. It holds no mutable state.
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score grades the mapped fields of a result against schema. Unmapped field
// mappings are ignored except for processing notes.
func (s *Scorer) Score(mappings []model.FieldMapping, schema *model.Schema) Report {
	var (
		r       Report
		sum     float64
		high    int
		mapped  int
		targets = make(map[string]bool)
	)
	for _, m := range mappings {
		if m.Confidence < s.cfg.NoteBelow {
			r.Notes = append(r.Notes, fmt.Sprintf("Low confidence mapping: '%s' → '%s' (%s)", m.Source, m.Target, m.Strategy))
		}
		if !m.Mapped {
			continue
		}
		mapped++
		sum += m.Confidence
		targets[m.Target] = true
		if m.Confidence >= s.cfg.HighConfidence {
			high++
		}
		if m.Confidence < s.cfg.LowConfidence {
			r.LowConfidence = append(r.LowConfidence, m.Target)
		}
	}

	if mapped > 0 {
		r.AvgConfidence = sum / float64(mapped)
		r.HighConfidenceRatio = float64(high) / float64(mapped)
	}
	// An empty schema leaves nothing uncovered.
	if n := schema.Len(); n > 0 {
		r.Coverage = float64(len(targets)) / float64(n)
	} else if mapped > 0 {
		r.Coverage = 1
	}
	if mapped > 0 {
		r.Composite = weightConfidence*r.AvgConfidence + weightCoverage*r.Coverage + weightHigh*r.HighConfidenceRatio
	}
	r.Grade = Grade(r.Composite)

	var unmapped []string
	for _, name := range schema.Names() {
		if targets[name] {
			continue
		}
		unmapped = append(unmapped, name)
		if f := schema.Field(name); f != nil && f.Required {
			r.MissingRequired = append(r.MissingRequired, name)
		}
	}

	if r.Composite < s.cfg.WarnBelow {
		r.Warnings = append(r.Warnings, fmt.Sprintf("Composite quality score %.2f is below %.2f", r.Composite, s.cfg.WarnBelow))
	}
	if len(r.MissingRequired) > 0 {
		r.Warnings = append(r.Warnings, "Required fields not mapped: "+strings.Join(r.MissingRequired, ", "))
	}

	switch {
	case r.AvgConfidence < s.cfg.WarnBelow:
		r.Recommendations = append(r.Recommendations, "Low overall confidence - consider manual review of field mappings")
	case r.AvgConfidence < s.cfg.ReviewBelow && !s.cfg.OracleEnabled:
		r.Recommendations = append(r.Recommendations, "Consider enabling the mapping oracle for higher accuracy mapping")
	}
	if len(unmapped) > 0 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("Missing %d schema fields: %s", len(unmapped), listed(unmapped)))
	}
	if len(r.LowConfidence) > 0 {
		r.Recommendations = append(r.Recommendations, "Review low confidence fields: "+listed(r.LowConfidence))
	}
	if mapped < s.cfg.FewFields {
		r.Recommendations = append(r.Recommendations, "Very few fields detected - check document quality and extraction accuracy")
	}

	r.Notes = append(r.Notes,
		fmt.Sprintf("Mapped %d fields", mapped),
		fmt.Sprintf("Average confidence: %.2f", r.AvgConfidence),
		fmt.Sprintf("Field coverage: %d/%d schema fields", len(targets), schema.Len()),
	)
	return r
}

func listed(names []string) string {
	if len(names) > maxListed {
		names = names[:maxListed]
	}
	return strings.Join(names, ", ")
}
