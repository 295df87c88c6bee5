package resolve

import "regexp"

// valuePattern recognizes a family of raw values and the target-name hints
// that family belongs to.
type valuePattern struct {
	name       string
	exprs      []*regexp.Regexp
	hints      []string
	confidence float64
}

// valuePatterns are tried in order; the first family whose regex matches the
// value decides the hints.
var valuePatterns = []valuePattern{
	{
		name: "date",
		exprs: []*regexp.Regexp{
			regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-]\d{2,4}`),
			regexp.MustCompile(`\d{4}[/-]\d{1,2}[/-]\d{1,2}`),
			regexp.MustCompile(`[A-Za-z]{3}\s+\d{1,2},?\s+\d{4}`),
		},
		hints:      []string{"date", "dob"},
		confidence: 0.8,
	},
	{
		name: "currency",
		exprs: []*regexp.Regexp{
			regexp.MustCompile(`\$\d+\.?\d*`),
			regexp.MustCompile(`\d+\.\d{2}\s*\$?`),
		},
		hints:      []string{"copay", "deductible", "cost"},
		confidence: 0.75,
	},
	{
		name: "phone",
		exprs: []*regexp.Regexp{
			regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`),
			regexp.MustCompile(`\d{3}-\d{3}-\d{4}`),
			regexp.MustCompile(`\d{10}`),
		},
		hints:      []string{"phone"},
		confidence: 0.85,
	},
	{
		name: "id",
		exprs: []*regexp.Regexp{
			regexp.MustCompile(`[A-Z]{2,3}\d{6,}`),
			regexp.MustCompile(`\d{8,12}`),
			regexp.MustCompile(`[A-Z]\d{7,}`),
		},
		hints:      []string{"id", "number"},
		confidence: 0.7,
	},
}

// classifyValue returns the first pattern family matching value.
func classifyValue(value string) (valuePattern, bool) {
	if value == "" {
		return valuePattern{}, false
	}
	for _, p := range valuePatterns {
		for _, re := range p.exprs {
			if re.MatchString(value) {
				return p, true
			}
		}
	}
	return valuePattern{}, false
}
