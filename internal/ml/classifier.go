package ml

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// ErrNoUsableModels is returned when no pool member could be trained or
// loaded.
var ErrNoUsableModels = eris.New("ml: no usable models")

// Classifier is one member of the pool. All members share the feature and
// label space of the snapshot that owns them.
type Classifier interface {
	Kind() string
	// Fit trains on X with class labels y in [0, nClasses). w holds
	// per-sample weights; nil means uniform.
	Fit(X [][]float64, y []int, w []float64, nClasses int) error
	// PredictProba returns a probability per class.
	PredictProba(x []float64) []float64
}

// Factory creates an untrained classifier from a seed.
type Factory func(seed uint64) Classifier

var factories = map[string]Factory{
	KindRandomForest:     func(s uint64) Classifier { return NewRandomForest(s) },
	KindGradientBoosting: func(s uint64) Classifier { return NewGradientBoosting(s) },
	KindNeuralNetwork:    func(s uint64) Classifier { return NewMLP(s) },
}

// DefaultKinds lists the pool members trained by default, in prediction
// order.
func DefaultKinds() []string {
	return []string{KindRandomForest, KindGradientBoosting, KindNeuralNetwork}
}

// NewClassifier creates an untrained classifier of the given kind.
func NewClassifier(kind string, seed uint64) (Classifier, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, eris.Errorf("ml: unknown classifier kind %q", kind)
	}
	return f(seed), nil
}

// decodeClassifier restores a persisted classifier of the given kind.
func decodeClassifier(kind string, data []byte) (Classifier, error) {
	c, err := NewClassifier(kind, 0)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, eris.Wrapf(err, "ml: decode %s", kind)
	}
	return c, nil
}

func checkFitInput(X [][]float64, y []int, w []float64, nClasses int) error {
	if len(X) == 0 {
		return eris.New("empty training set")
	}
	if len(X) != len(y) {
		return eris.Errorf("%d rows but %d labels", len(X), len(y))
	}
	if w != nil && len(w) != len(X) {
		return eris.Errorf("%d rows but %d weights", len(X), len(w))
	}
	if nClasses < 1 {
		return eris.New("no classes")
	}
	for _, k := range y {
		if k < 0 || k >= nClasses {
			return eris.Errorf("label %d out of range [0,%d)", k, nClasses)
		}
	}
	return nil
}
