package resolve

import (
	"strings"

	"github.com/sells-group/intake-mapper/internal/model"
	"github.com/sells-group/intake-mapper/internal/validate"
)

// Fixed structural confidences of the name passes.
const (
	ExactConfidence     = 0.95
	SubstringConfidence = 0.85
	semanticCap         = 0.9
)

// Config tunes the gated passes and the fallback.
type Config struct {
	FuzzyThreshold     float64 // fuzzy similarity must exceed this
	FuzzyGate          float64 // fuzzy runs only while best < gate
	SemanticGate       float64
	PatternGate        float64
	MinConfidence      float64 // below this the fallback replaces the best candidate
	FallbackConfidence float64
}

// DefaultConfig returns the standard pass thresholds.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold:     0.8,
		FuzzyGate:          0.8,
		SemanticGate:       0.75,
		PatternGate:        0.7,
		MinConfidence:      0.5,
		FallbackConfidence: 0.4,
	}
}

// Matcher runs the ordered heuristic passes. It holds no mutable state and
// is safe for concurrent use.
type Matcher struct {
	cfg      Config
	keywords *Keywords
}

// NewMatcher creates a Matcher. A nil keyword table disables the semantic pass.
func NewMatcher(cfg Config, keywords *Keywords) *Matcher {
	return &Matcher{cfg: cfg, keywords: keywords}
}

type target struct {
	name string
	norm string
}

type best struct {
	model.MappingCandidate
}

// offer replaces the current best only on strictly higher confidence, so
// earlier passes win ties.
func (b *best) offer(name string, confidence float64, s model.Strategy) {
	if name == "" || confidence <= b.Confidence {
		return
	}
	b.Target = name
	b.Confidence = confidence
	b.Strategy = s
}

// Match resolves one source field against schema. It always returns a
// candidate; when no pass clears the minimum confidence the normalized
// source name is returned with strategy fallback.
func (m *Matcher) Match(field model.SourceField, schema *model.Schema, documentType string) model.MappingCandidate {
	src := NormalizeName(field.Name)
	targets := make([]target, 0, schema.Len())
	for _, name := range schema.Names() {
		targets = append(targets, target{name: name, norm: NormalizeName(name)})
	}

	var b best
	if src != "" {
		m.exact(&b, src, targets)
		if b.Strategy != model.StrategyExact {
			m.substring(&b, src, targets)
			if words := SplitWords(field.Name); words != src {
				m.substring(&b, words, targets)
			}
		}
		if b.Confidence < m.cfg.FuzzyGate {
			m.fuzzy(&b, src, targets)
		}
		if b.Confidence < m.cfg.SemanticGate {
			m.semantic(&b, src, targets, documentType)
		}
	}
	if b.Confidence < m.cfg.PatternGate {
		m.pattern(&b, validate.Stringify(field.RawValue), targets)
	}

	if b.Target == "" || b.Confidence < m.cfg.MinConfidence {
		return m.fallback(field.Name, src)
	}
	return b.MappingCandidate
}

func (m *Matcher) exact(b *best, src string, targets []target) {
	for _, t := range targets {
		if t.norm == src {
			b.offer(t.name, ExactConfidence, model.StrategyExact)
			return
		}
	}
}

func (m *Matcher) substring(b *best, src string, targets []target) {
	for _, t := range targets {
		if t.norm == "" {
			continue
		}
		if strings.Contains(t.norm, src) || strings.Contains(src, t.norm) {
			b.offer(t.name, SubstringConfidence, model.StrategySubstring)
			return
		}
	}
}

func (m *Matcher) fuzzy(b *best, src string, targets []target) {
	for _, t := range targets {
		sim := Similarity(src, t.norm)
		if sim > m.cfg.FuzzyThreshold {
			b.offer(t.name, sim, model.StrategyFuzzy)
		}
	}
}

// semantic scores a keyword hit as 0.8 - 0.1*len(keyword), capped at 0.9.
// Only the first declared target of each group present in the schema counts.
func (m *Matcher) semantic(b *best, src string, targets []target, documentType string) {
	groups := m.keywords.For(documentType)
	if len(groups) == 0 {
		return
	}
	byNorm := make(map[string]string, len(targets))
	for _, t := range targets {
		if _, dup := byNorm[t.norm]; !dup {
			byNorm[t.norm] = t.name
		}
	}
	for _, g := range groups {
		if !strings.Contains(src, g.Keyword) {
			continue
		}
		conf := min(semanticCap, 0.8-0.1*float64(len(g.Keyword)))
		if conf <= 0 {
			continue
		}
		for _, cand := range g.Targets {
			if name, ok := byNorm[cand]; ok {
				b.offer(name, conf, model.StrategySemantic)
				break
			}
		}
	}
}

// pattern classifies the raw value and picks the first target whose name
// carries one of the family's hints.
func (m *Matcher) pattern(b *best, value string, targets []target) {
	p, ok := classifyValue(value)
	if !ok {
		return
	}
	for _, t := range targets {
		for _, h := range p.hints {
			if strings.Contains(t.norm, h) {
				b.offer(t.name, p.confidence, model.StrategyPattern)
				return
			}
		}
	}
}

func (m *Matcher) fallback(raw, src string) model.MappingCandidate {
	name := src
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(raw))
	}
	if name == "" {
		name = "unnamed_field"
	}
	return model.MappingCandidate{
		Target:     name,
		Confidence: m.cfg.FallbackConfidence,
		Strategy:   model.StrategyFallback,
	}
}
