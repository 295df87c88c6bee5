package ml

import (
	"math/rand/v2"
	"slices"
)

// Node is one node of a flattened binary decision tree. Leaves have
// Feature -1 and carry Value: a class distribution for classification trees
// or a single output for regression trees.
type Node struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t,omitempty"`
	Left      int       `json:"l,omitempty"`
	Right     int       `json:"r,omitempty"`
	Value     []float64 `json:"v,omitempty"`
}

// Tree is a decision tree stored as a flat node slice rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks x to a leaf and returns its value.
func (t *Tree) Predict(x []float64) []float64 {
	if len(t.Nodes) == 0 {
		return nil
	}
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if n.Feature < len(x) && x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// splitStats accumulates impurity statistics over a set of samples.
type splitStats interface {
	add(i int)
	remove(i int)
	// impurity is the weighted total impurity (gini mass or squared error).
	impurity() float64
	count() int
}

type treeParams struct {
	maxDepth    int
	minLeaf     int
	maxFeatures int // 0 means every feature at every node
}

// cartBuilder grows a CART tree over X. newStats creates an empty
// accumulator and leaf computes a leaf value for a set of sample indices.
type cartBuilder struct {
	X        [][]float64
	params   treeParams
	rng      *rand.Rand
	newStats func() splitStats
	leaf     func(idx []int) []float64
	nodes    []Node
}

func (b *cartBuilder) grow(idx []int) Tree {
	b.nodes = b.nodes[:0]
	b.build(idx, 0)
	return Tree{Nodes: append([]Node(nil), b.nodes...)}
}

func (b *cartBuilder) build(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1})

	parent := b.newStats()
	for _, i := range idx {
		parent.add(i)
	}
	if depth >= b.params.maxDepth || len(idx) < 2*b.params.minLeaf || parent.impurity() < 1e-12 {
		b.nodes[id].Value = b.leaf(idx)
		return id
	}

	feature, threshold, ok := b.bestSplit(idx, parent.impurity())
	if !ok {
		b.nodes[id].Value = b.leaf(idx)
		return id
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return id
}

func (b *cartBuilder) candidateFeatures() []int {
	d := len(b.X[0])
	if b.params.maxFeatures <= 0 || b.params.maxFeatures >= d || b.rng == nil {
		out := make([]int, d)
		for j := range out {
			out[j] = j
		}
		return out
	}
	return b.rng.Perm(d)[:b.params.maxFeatures]
}

// bestSplit sweeps every threshold of every candidate feature and returns the
// split with the largest impurity decrease.
func (b *cartBuilder) bestSplit(idx []int, parentImpurity float64) (int, float64, bool) {
	bestGain := 1e-12
	bestFeature, bestThreshold := -1, 0.0

	sorted := make([]int, len(idx))
	for _, f := range b.candidateFeatures() {
		copy(sorted, idx)
		slices.SortStableFunc(sorted, func(a, c int) int {
			switch va, vc := b.X[a][f], b.X[c][f]; {
			case va < vc:
				return -1
			case va > vc:
				return 1
			default:
				return 0
			}
		})

		left, right := b.newStats(), b.newStats()
		for _, i := range sorted {
			right.add(i)
		}
		for p := 0; p < len(sorted)-1; p++ {
			left.add(sorted[p])
			right.remove(sorted[p])
			cur, next := b.X[sorted[p]][f], b.X[sorted[p+1]][f]
			if cur == next {
				continue
			}
			if left.count() < b.params.minLeaf || right.count() < b.params.minLeaf {
				continue
			}
			gain := parentImpurity - left.impurity() - right.impurity()
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

// giniStats tracks weighted class mass for classification trees.
type giniStats struct {
	y      []int
	w      []float64
	counts []float64
	total  float64
	n      int
}

func newGiniStats(y []int, w []float64, nClasses int) func() splitStats {
	return func() splitStats {
		return &giniStats{y: y, w: w, counts: make([]float64, nClasses)}
	}
}

func (s *giniStats) add(i int) {
	s.counts[s.y[i]] += s.w[i]
	s.total += s.w[i]
	s.n++
}

func (s *giniStats) remove(i int) {
	s.counts[s.y[i]] -= s.w[i]
	s.total -= s.w[i]
	s.n--
}

// impurity returns total * gini, which is total - sum(c^2)/total.
func (s *giniStats) impurity() float64 {
	if s.total <= 0 {
		return 0
	}
	sq := 0.0
	for _, c := range s.counts {
		sq += c * c
	}
	return s.total - sq/s.total
}

func (s *giniStats) count() int { return s.n }

// classDistribution is the weighted class distribution of idx.
func classDistribution(y []int, w []float64, nClasses int, idx []int) []float64 {
	dist := make([]float64, nClasses)
	total := 0.0
	for _, i := range idx {
		dist[y[i]] += w[i]
		total += w[i]
	}
	if total > 0 {
		for k := range dist {
			dist[k] /= total
		}
	}
	return dist
}

// sseStats tracks weighted squared error for regression trees.
type sseStats struct {
	target []float64
	w      []float64
	sw     float64
	swy    float64
	swy2   float64
	n      int
}

func newSSEStats(target, w []float64) func() splitStats {
	return func() splitStats {
		return &sseStats{target: target, w: w}
	}
}

func (s *sseStats) add(i int) {
	wy := s.w[i] * s.target[i]
	s.sw += s.w[i]
	s.swy += wy
	s.swy2 += wy * s.target[i]
	s.n++
}

func (s *sseStats) remove(i int) {
	wy := s.w[i] * s.target[i]
	s.sw -= s.w[i]
	s.swy -= wy
	s.swy2 -= wy * s.target[i]
	s.n--
}

func (s *sseStats) impurity() float64 {
	if s.sw <= 0 {
		return 0
	}
	v := s.swy2 - s.swy*s.swy/s.sw
	if v < 0 {
		return 0
	}
	return v
}

func (s *sseStats) count() int { return s.n }

func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}
