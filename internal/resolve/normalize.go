// Package resolve implements the deterministic multi-pass heuristic matcher
// that resolves source field names onto canonical target fields.
package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Separator joins name tokens after normalization.
const Separator = "_"

// NormalizeName standardizes a field name for matching by:
//  1. Folding diacritics (é → e)
//  2. Lowercasing
//  3. Collapsing runs of whitespace, hyphens and underscores into one separator
//  4. Stripping all other punctuation
//
// Two names are an exact match only when their NormalizeName forms are equal.
func NormalizeName(name string) string {
	return normalize(name, false)
}

// SplitWords normalizes like NormalizeName but also breaks camelCase words
// apart (patientDOB → patient_dob). It feeds the substring pass only, so it
// never changes which names match exactly.
func SplitWords(name string) string {
	return normalize(name, true)
}

func normalize(name string, splitCamel bool) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = foldDiacritics(name)

	var b strings.Builder
	b.Grow(len(name) + 4)
	pendingSep := false
	var prev rune
	rs := []rune(name)
	for i, r := range rs {
		switch {
		case unicode.IsSpace(r) || r == '-' || r == '_':
			pendingSep = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if splitCamel && b.Len() > 0 && !pendingSep && camelBoundary(prev, r, rs, i) {
				pendingSep = true
			}
			if pendingSep && b.Len() > 0 {
				b.WriteString(Separator)
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			prev = r
		default:
			// Punctuation is dropped without acting as a separator.
		}
	}
	return b.String()
}

// camelBoundary reports whether a word break falls before rs[i]: a lower to
// upper transition (firstName) or the last capital of an acronym followed by
// lowercase (DOBDate → DOB Date).
func camelBoundary(prev, r rune, rs []rune, i int) bool {
	if !unicode.IsUpper(r) {
		return false
	}
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	if unicode.IsUpper(prev) && i+1 < len(rs) && unicode.IsLower(rs[i+1]) {
		return true
	}
	return false
}

var diacritics = runes.Remove(runes.In(unicode.Mn))

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, diacritics, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Tokens splits a normalized name into its word tokens.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, Separator)
}
