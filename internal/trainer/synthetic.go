package trainer

import (
	"math/rand/v2"
	"time"

	"github.com/sells-group/intake-mapper/internal/model"
)

// syntheticPattern is a known-good mapping used to seed a cold start.
type syntheticPattern struct {
	source, target, manufacturer, documentType string
	confidence                                 float64
}

var syntheticPatterns = []syntheticPattern{
	{"patient_name", "patient_full_name", "BIOWOUND SOLUTIONS", "INSURANCE_CARD", 0.95},
	{"patient_first_name", "patient_name_first", "ADVANCED SOLUTION", "INSURANCE_CARD", 0.90},
	{"patient_last_name", "patient_name_last", "ADVANCED SOLUTION", "INSURANCE_CARD", 0.90},
	{"dob", "date_of_birth", "SKYE Biologics", "INSURANCE_CARD", 0.85},
	{"insurance_id", "member_id", "CENTURION THERAPEUTICS", "INSURANCE_CARD", 0.90},
	{"wound_description", "clinical_notes", "BioWerX", "CLINICAL_NOTE", 0.80},
	{"diagnosis_code", "icd_code", "MEDLIFE SOLUTIONS", "CLINICAL_NOTE", 0.95},
	{"physician_name", "provider_name", "Total Ancillary", "CLINICAL_NOTE", 0.85},
}

// confidenceJitter is the standard deviation of the noise added to each
// synthetic confidence.
const confidenceJitter = 0.05

// Synthetic generates n successful records cycling through the seed
// patterns, one day apart going back from now. The noise is drawn from a
// generator seeded with seed, so the same call yields the same records.
func Synthetic(n int, now time.Time, seed uint64) []model.TrainingRecord {
	if n <= 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, uint64(n)))
	out := make([]model.TrainingRecord, n)
	for i := range out {
		p := syntheticPatterns[i%len(syntheticPatterns)]
		conf := p.confidence + rng.NormFloat64()*confidenceJitter
		out[i] = model.TrainingRecord{
			Timestamp:    now.Add(-time.Duration(i) * 24 * time.Hour).UTC(),
			SourceField:  p.source,
			TargetField:  p.target,
			Manufacturer: p.manufacturer,
			DocumentType: p.documentType,
			Confidence:   min(max(conf, 0), 1),
			Success:      true,
			Method:       model.MethodSynthetic,
		}
	}
	return out
}
