package ml

import (
	"math"
	"math/rand/v2"

	"github.com/rotisserie/eris"
)

// KindRandomForest identifies the bagged decision tree ensemble.
const KindRandomForest = "random_forest"

// RandomForest averages the class distributions of bootstrapped CART trees
// grown with per-node feature subsampling.
type RandomForest struct {
	NTrees   int    `json:"n_trees"`
	MaxDepth int    `json:"max_depth"`
	MinLeaf  int    `json:"min_leaf"`
	Seed     uint64 `json:"seed"`
	NClasses int    `json:"n_classes"`
	Trees    []Tree `json:"trees"`
}

// NewRandomForest returns an untrained forest.
func NewRandomForest(seed uint64) *RandomForest {
	return &RandomForest{NTrees: 100, MaxDepth: 16, MinLeaf: 1, Seed: seed}
}

// Kind implements Classifier.
func (f *RandomForest) Kind() string { return KindRandomForest }

// Fit implements Classifier.
func (f *RandomForest) Fit(X [][]float64, y []int, w []float64, nClasses int) error {
	if err := checkFitInput(X, y, w, nClasses); err != nil {
		return eris.Wrap(err, "random forest: fit")
	}
	if w == nil {
		w = uniformWeights(len(X))
	}
	f.NClasses = nClasses
	f.Trees = make([]Tree, 0, f.NTrees)

	rng := rand.New(rand.NewPCG(f.Seed, f.Seed^0x9e3779b97f4a7c15))
	maxFeatures := max(1, int(math.Sqrt(float64(len(X[0])))))
	b := &cartBuilder{
		X:        X,
		params:   treeParams{maxDepth: f.MaxDepth, minLeaf: max(1, f.MinLeaf), maxFeatures: maxFeatures},
		rng:      rng,
		newStats: newGiniStats(y, w, nClasses),
		leaf: func(idx []int) []float64 {
			return classDistribution(y, w, nClasses, idx)
		},
	}

	n := len(X)
	boot := make([]int, n)
	for range f.NTrees {
		for i := range boot {
			boot[i] = rng.IntN(n)
		}
		f.Trees = append(f.Trees, b.grow(boot))
	}
	return nil
}

// PredictProba implements Classifier.
func (f *RandomForest) PredictProba(x []float64) []float64 {
	out := make([]float64, f.NClasses)
	if len(f.Trees) == 0 {
		return out
	}
	for i := range f.Trees {
		for k, p := range f.Trees[i].Predict(x) {
			if k < len(out) {
				out[k] += p
			}
		}
	}
	for k := range out {
		out[k] /= float64(len(f.Trees))
	}
	return out
}
