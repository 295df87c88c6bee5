// Package validate normalizes and checks field values against their declared
// canonical value type.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/intake-mapper/internal/model"
)

// Validator normalizes raw into its canonical form. ok is false when the
// value does not validate under the type.
type Validator func(raw any) (normalized any, ok bool)

// Outcome is the result of running a value through its type's validator.
type Outcome struct {
	Value     any  // canonical value; the raw value when no validator applies
	Valid     bool // value validated cleanly (always true without a validator)
	Validated bool // a validator exists for the declared type
}

var table = map[model.ValueType]Validator{
	model.ValueDate:     dateValidator,
	model.ValuePhone:    phoneValidator,
	model.ValueEmail:    emailValidator,
	model.ValueCheckbox: checkboxValidator,
}

// For returns the validator registered for vt, or nil.
func For(vt model.ValueType) Validator {
	return table[vt]
}

// Apply runs raw through the validator registered for vt.
func Apply(vt model.ValueType, raw any) Outcome {
	v := For(vt)
	if v == nil {
		return Outcome{Value: raw, Valid: true}
	}
	norm, ok := v(raw)
	if !ok {
		return Outcome{Value: nil, Valid: false, Validated: true}
	}
	return Outcome{Value: norm, Valid: true, Validated: true}
}

// AdjustConfidence blends a structural confidence with content validity.
// Without a validator the structural confidence is returned unchanged.
func AdjustConfidence(structural float64, out Outcome, invalidScore float64) float64 {
	if !out.Validated {
		return structural
	}
	content := 1.0
	if !out.Valid {
		content = invalidScore
	}
	return (structural + content) / 2
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-1-2",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"2006/01/02",
	"2006/1/2",
}

// Date parses YYYY-MM-DD, MM/DD/YYYY, MM-DD-YYYY or YYYY/MM/DD and returns
// the canonical YYYY-MM-DD form. Unparsable input returns "" and false.
func Date(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// Phone strips non-digits and formats 10-digit (or 11-digit with a leading
// 1) numbers as (XXX) XXX-XXXX.
func Phone(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", false
	}
	return fmt.Sprintf("(%s) %s-%s", digits[0:3], digits[3:6], digits[6:10]), true
}

// Email requires a single @, a non-empty local part and a dotted domain.
// The accepted address is lowercased.
func Email(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.Count(s, "@") != 1 || strings.ContainsAny(s, " \t\r\n") {
		return "", false
	}
	local, domain, _ := strings.Cut(s, "@")
	if local == "" || !strings.Contains(domain, ".") {
		return "", false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return "", false
	}
	return strings.ToLower(s), true
}

var checkboxTrue = map[string]bool{"true": true, "yes": true, "1": true, "on": true, "checked": true}

var checkboxKnown = map[string]bool{
	"true": true, "yes": true, "1": true, "on": true, "checked": true,
	"false": true, "no": true, "0": true, "off": true, "unchecked": true, "": true,
}

// Checkbox interprets s as a checkbox state. recognized is false for values
// that are not a known on/off token; those are reported as unchecked. Strict
// callers such as the importer use recognized to reject a column value.
func Checkbox(s string) (checked, recognized bool) {
	k := strings.ToLower(strings.TrimSpace(s))
	return checkboxTrue[k], checkboxKnown[k]
}

func dateValidator(raw any) (any, bool) {
	if t, ok := raw.(time.Time); ok {
		return t.Format("2006-01-02"), true
	}
	return Date(Stringify(raw))
}

func phoneValidator(raw any) (any, bool) {
	return Phone(Stringify(raw))
}

func emailValidator(raw any) (any, bool) {
	return Email(Stringify(raw))
}

// checkboxValidator never rejects: anything outside the true tokens is an
// unchecked box.
func checkboxValidator(raw any) (any, bool) {
	if b, ok := raw.(bool); ok {
		return b, true
	}
	checked, _ := Checkbox(Stringify(raw))
	return checked, true
}

// Stringify renders a raw source value as text. Whole floats are printed
// without exponent so numeric phone numbers survive JSON decoding.
func Stringify(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
