package ml

import (
	"math"

	"github.com/rotisserie/eris"
)

// KindGradientBoosting identifies the softmax gradient boosted tree model.
const KindGradientBoosting = "gradient_boosting"

// GradientBoosting fits one shallow regression tree per class per round on
// the softmax cross-entropy gradient, with Newton-step leaf values.
type GradientBoosting struct {
	Rounds       int       `json:"rounds"`
	LearningRate float64   `json:"learning_rate"`
	MaxDepth     int       `json:"max_depth"`
	MinLeaf      int       `json:"min_leaf"`
	NClasses     int       `json:"n_classes"`
	Init         []float64 `json:"init"`
	Trees        [][]Tree  `json:"trees"` // [round][class]
}

// NewGradientBoosting returns an untrained model. Boosting is deterministic,
// so the seed is unused.
func NewGradientBoosting(uint64) *GradientBoosting {
	return &GradientBoosting{Rounds: 50, LearningRate: 0.1, MaxDepth: 3, MinLeaf: 1}
}

// Kind implements Classifier.
func (g *GradientBoosting) Kind() string { return KindGradientBoosting }

// Fit implements Classifier.
func (g *GradientBoosting) Fit(X [][]float64, y []int, w []float64, nClasses int) error {
	if err := checkFitInput(X, y, w, nClasses); err != nil {
		return eris.Wrap(err, "gradient boosting: fit")
	}
	if w == nil {
		w = uniformWeights(len(X))
	}
	n, K := len(X), nClasses
	g.NClasses = K
	g.Trees = nil

	prior := make([]float64, K)
	total := 0.0
	for i := range y {
		prior[y[i]] += w[i]
		total += w[i]
	}
	g.Init = make([]float64, K)
	for k := range prior {
		g.Init[k] = math.Log(math.Max(prior[k]/total, 1e-12))
	}
	if K < 2 {
		return nil
	}

	F := make([][]float64, n)
	for i := range F {
		F[i] = append([]float64(nil), g.Init...)
	}
	resid := make([]float64, n)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	scale := float64(K-1) / float64(K)

	for range g.Rounds {
		P := make([][]float64, n)
		for i := range F {
			P[i] = softmax(F[i])
		}
		round := make([]Tree, K)
		for k := range K {
			for i := range resid {
				target := 0.0
				if y[i] == k {
					target = 1
				}
				resid[i] = target - P[i][k]
			}
			b := &cartBuilder{
				X:        X,
				params:   treeParams{maxDepth: g.MaxDepth, minLeaf: max(1, g.MinLeaf)},
				newStats: newSSEStats(resid, w),
				leaf: func(leafIdx []int) []float64 {
					num, den := 0.0, 0.0
					for _, i := range leafIdx {
						r := resid[i]
						num += w[i] * r
						den += w[i] * math.Abs(r) * (1 - math.Abs(r))
					}
					if den < 1e-12 {
						return []float64{0}
					}
					return []float64{scale * num / den}
				},
			}
			round[k] = b.grow(idx)
		}
		for i := range F {
			for k := range K {
				F[i][k] += g.LearningRate * round[k].Predict(X[i])[0]
			}
		}
		g.Trees = append(g.Trees, round)
	}
	return nil
}

// PredictProba implements Classifier.
func (g *GradientBoosting) PredictProba(x []float64) []float64 {
	if g.NClasses < 2 {
		out := make([]float64, g.NClasses)
		if len(out) == 1 {
			out[0] = 1
		}
		return out
	}
	raw := append([]float64(nil), g.Init...)
	for _, round := range g.Trees {
		for k := range round {
			if v := round[k].Predict(x); len(v) > 0 {
				raw[k] += g.LearningRate * v[0]
			}
		}
	}
	return softmax(raw)
}

func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	if len(z) == 0 {
		return out
	}
	m := z[0]
	for _, v := range z[1:] {
		m = math.Max(m, v)
	}
	sum := 0.0
	for k, v := range z {
		out[k] = math.Exp(v - m)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}
