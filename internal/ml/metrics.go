package ml

import (
	"context"
	"math"
	"math/rand/v2"
)

// Argmax returns the index of the largest value; ties keep the lowest index.
func Argmax(p []float64) int {
	best := 0
	for k := 1; k < len(p); k++ {
		if p[k] > p[best] {
			best = k
		}
	}
	return best
}

// Accuracy is the fraction of rows of X whose predicted class equals y.
func Accuracy(c Classifier, X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	hits := 0
	for i, x := range X {
		if Argmax(c.PredictProba(x)) == y[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(X))
}

// splitIndices shuffles 0..n-1 and holds out a test fraction. At least one
// row is always kept for training.
func splitIndices(n int, testFrac float64, rng *rand.Rand) (train, test []int) {
	perm := rng.Perm(n)
	nTest := int(math.Round(float64(n) * testFrac))
	nTest = min(max(nTest, 0), n-1)
	return perm[nTest:], perm[:nTest]
}

// kFolds partitions 0..n-1 into k shuffled folds of near-equal size.
func kFolds(n, k int, rng *rand.Rand) [][]int {
	perm := rng.Perm(n)
	folds := make([][]int, k)
	for i, p := range perm {
		folds[i%k] = append(folds[i%k], p)
	}
	return folds
}

func gather[T any](src []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}
	return out
}

// crossValidate returns the mean and standard deviation of k-fold accuracy
// for fresh classifiers of the given kind. Fewer than two folds yields zeros.
func crossValidate(ctx context.Context, kind string, seed uint64, X [][]float64, y []int, w []float64, nClasses, k int) (mean, std float64, err error) {
	k = min(k, len(X))
	if k < 2 {
		return 0, 0, nil
	}
	rng := rand.New(rand.NewPCG(seed, uint64(k)))
	folds := kFolds(len(X), k, rng)

	scores := make([]float64, 0, k)
	for f := range folds {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		var trainIdx []int
		for g, fold := range folds {
			if g != f {
				trainIdx = append(trainIdx, fold...)
			}
		}
		c, err := NewClassifier(kind, seed)
		if err != nil {
			return 0, 0, err
		}
		var wTrain []float64
		if w != nil {
			wTrain = gather(w, trainIdx)
		}
		if err := c.Fit(gather(X, trainIdx), gather(y, trainIdx), wTrain, nClasses); err != nil {
			return 0, 0, err
		}
		scores = append(scores, Accuracy(c, gather(X, folds[f]), gather(y, folds[f])))
	}

	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	for _, s := range scores {
		std += (s - mean) * (s - mean)
	}
	std = math.Sqrt(std / float64(len(scores)))
	return mean, std, nil
}
