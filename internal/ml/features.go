// Package ml holds the feature extractor and the classifier pool that
// competes with the heuristic matcher once enough training data exists.
package ml

import (
	"math"
	"strings"

	"github.com/sells-group/intake-mapper/internal/resolve"
)

// Sample is one (source field, candidate target) pair in its manufacturer and
// document type context.
type Sample struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	Manufacturer string  `json:"manufacturer"`
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

var (
	defaultManufacturers = []string{"BIOWOUND", "ADVANCED", "SKYE", "CENTURION", "MEDLIFE"}
	defaultDocumentTypes = []string{"INSURANCE_CARD", "CLINICAL_NOTE", "ORDER_FORM"}
)

// Extractor turns a Sample into a fixed-length feature vector:
//
//	[0:4]  ratio, partial ratio, token sort ratio, token set ratio
//	[4:9]  source length, target length, length difference, token counts
//	[9:]   manufacturer one-hot, document type one-hot, structural confidence
//
// The bucket lists are persisted with each snapshot so a snapshot always
// extracts with the buckets it was trained on.
type Extractor struct {
	Manufacturers []string `json:"manufacturers"`
	DocumentTypes []string `json:"document_types"`
}

// NewExtractor returns an extractor with the default manufacturer and
// document type buckets.
func NewExtractor() *Extractor {
	return &Extractor{
		Manufacturers: append([]string(nil), defaultManufacturers...),
		DocumentTypes: append([]string(nil), defaultDocumentTypes...),
	}
}

// Dim is the length of every vector Extract returns.
func (e *Extractor) Dim() int {
	return 4 + 5 + len(e.Manufacturers) + len(e.DocumentTypes) + 1
}

// Extract computes the feature vector for s.
func (e *Extractor) Extract(s Sample) []float64 {
	src := resolve.NormalizeName(s.Source)
	tgt := resolve.NormalizeName(s.Target)

	out := make([]float64, 0, e.Dim())
	out = append(out,
		resolve.Ratio(src, tgt),
		resolve.PartialRatio(src, tgt),
		resolve.TokenSortRatio(src, tgt),
		resolve.TokenSetRatio(src, tgt),
	)

	ls, lt := float64(len([]rune(src))), float64(len([]rune(tgt)))
	out = append(out,
		ls,
		lt,
		math.Abs(ls-lt),
		float64(len(resolve.Tokens(src))),
		float64(len(resolve.Tokens(tgt))),
	)

	out = appendOneHot(out, strings.ToUpper(s.Manufacturer), e.Manufacturers)
	out = appendOneHot(out, strings.ToUpper(s.DocumentType), e.DocumentTypes)
	return append(out, s.Confidence)
}

// appendOneHot sets a bucket when the value contains the bucket name, so
// "SKYE Biologics" lands in SKYE. More than one bucket may be set.
func appendOneHot(out []float64, value string, buckets []string) []float64 {
	for _, b := range buckets {
		if value != "" && strings.Contains(value, b) {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out
}
