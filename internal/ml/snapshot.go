package ml

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/sells-group/intake-mapper/internal/model"
)

// MaxAlternatives is the number of runner-up classes offered per prediction.
const MaxAlternatives = 4

// Metrics are the held-out and cross-validated scores of one pool member.
type Metrics struct {
	Accuracy        float64 `json:"accuracy"`
	CVMean          float64 `json:"cv_mean"`
	CVStd           float64 `json:"cv_std"`
	TrainingSamples int     `json:"training_samples"`
	TestSamples     int     `json:"test_samples"`
}

// Model is one trained pool member.
type Model struct {
	Name       string
	Classifier Classifier
	Metrics    Metrics
}

// Snapshot is an immutable trained classifier pool with the label encoding,
// feature scaler and extractor it was trained with. A published snapshot is
// never modified; retraining builds a new one.
type Snapshot struct {
	Version          string
	TrainedAt        time.Time
	SampleCount      int
	SyntheticCount   int
	WeightByAccuracy bool
	Labels           *LabelEncoder
	Scaler           *StandardScaler
	Extractor        *Extractor
	Models           []Model
}

// Prediction is the best-of-pool ML candidate for one sample.
type Prediction struct {
	Target       string
	Probability  float64 // raw class probability of the winning model
	Confidence   float64 // probability, scaled by model accuracy when weighting is on
	Model        string
	Alternatives []model.Alternative
}

// Predict queries every pool member and keeps the single (model, class)
// pair with the highest score. Alternatives are the next most probable
// classes of the winning model. ok is false for an empty pool.
func (s *Snapshot) Predict(sample Sample) (Prediction, bool) {
	if s == nil || len(s.Models) == 0 || s.Labels.Len() == 0 {
		return Prediction{}, false
	}
	x := s.Scaler.Transform(s.Extractor.Extract(sample))

	var (
		best      Prediction
		bestScore = -1.0
		bestProba []float64
		bestClass int
	)
	for _, m := range s.Models {
		p := m.Classifier.PredictProba(x)
		if len(p) == 0 {
			continue
		}
		k := Argmax(p)
		score := p[k]
		if s.WeightByAccuracy {
			score *= accuracyWeight(m.Metrics)
		}
		if score > bestScore {
			bestScore = score
			bestProba = p
			bestClass = k
			best = Prediction{
				Target:      s.Labels.Decode(k),
				Probability: p[k],
				Confidence:  score,
				Model:       m.Name,
			}
		}
	}
	if bestProba == nil {
		return Prediction{}, false
	}
	best.Alternatives = alternatives(bestProba, bestClass, s.Labels)
	return best, true
}

// accuracyWeight prefers held-out accuracy and falls back to the
// cross-validated mean when no rows were held out.
func accuracyWeight(m Metrics) float64 {
	if m.TestSamples > 0 {
		return m.Accuracy
	}
	if m.CVMean > 0 {
		return m.CVMean
	}
	return 1
}

func alternatives(p []float64, top int, labels *LabelEncoder) []model.Alternative {
	idx := make([]int, 0, len(p))
	for k := range p {
		if k != top && p[k] > 0 {
			idx = append(idx, k)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	if len(idx) > MaxAlternatives {
		idx = idx[:MaxAlternatives]
	}
	out := make([]model.Alternative, 0, len(idx))
	for _, k := range idx {
		out = append(out, model.Alternative{Target: labels.Decode(k), Probability: p[k]})
	}
	return out
}

// Info summarizes a snapshot for reporting.
type Info struct {
	Version        string             `json:"version"`
	TrainedAt      time.Time          `json:"trained_at"`
	SampleCount    int                `json:"sample_count"`
	SyntheticCount int                `json:"synthetic_count"`
	Classes        int                `json:"classes"`
	Models         map[string]Metrics `json:"models"`
}

// Info returns the reporting summary of s.
func (s *Snapshot) Info() Info {
	info := Info{
		Version:        s.Version,
		TrainedAt:      s.TrainedAt,
		SampleCount:    s.SampleCount,
		SyntheticCount: s.SyntheticCount,
		Classes:        s.Labels.Len(),
		Models:         make(map[string]Metrics, len(s.Models)),
	}
	for _, m := range s.Models {
		info.Models[m.Name] = m.Metrics
	}
	return info
}

// Holder publishes the current snapshot. Readers see either the previous or
// the next snapshot in full.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// Load returns the current snapshot, or nil if none has been published.
func (h *Holder) Load() *Snapshot {
	return h.p.Load()
}

// Swap publishes s and returns the previous snapshot.
func (h *Holder) Swap(s *Snapshot) *Snapshot {
	return h.p.Swap(s)
}
