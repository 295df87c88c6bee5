package ml

import (
	"math"
	"math/rand/v2"

	"github.com/rotisserie/eris"
)

// KindNeuralNetwork identifies the shallow multilayer perceptron.
const KindNeuralNetwork = "neural_network"

// MLP is a fully connected ReLU network with a softmax output, trained with
// Adam on mini-batches of weighted cross-entropy.
type MLP struct {
	Hidden       []int         `json:"hidden"`
	Epochs       int           `json:"epochs"`
	BatchSize    int           `json:"batch_size"`
	LearningRate float64       `json:"learning_rate"`
	Tolerance    float64       `json:"tolerance"`
	Patience     int           `json:"patience"`
	Seed         uint64        `json:"seed"`
	NClasses     int           `json:"n_classes"`
	Weights      [][][]float64 `json:"weights"` // [layer][out][in]
	Biases       [][]float64   `json:"biases"`  // [layer][out]
}

// NewMLP returns an untrained network with two hidden layers of 100 and 50.
func NewMLP(seed uint64) *MLP {
	return &MLP{
		Hidden:       []int{100, 50},
		Epochs:       200,
		BatchSize:    200,
		LearningRate: 0.001,
		Tolerance:    1e-4,
		Patience:     10,
		Seed:         seed,
	}
}

// Kind implements Classifier.
func (m *MLP) Kind() string { return KindNeuralNetwork }

// adam holds first and second moment estimates shaped like the parameters.
type adam struct {
	mw, vw [][][]float64
	mb, vb [][]float64
	t      int
}

func zerosLike3(w [][][]float64) [][][]float64 {
	out := make([][][]float64, len(w))
	for l := range w {
		out[l] = zerosLike2(w[l])
	}
	return out
}

func zerosLike2(b [][]float64) [][]float64 {
	out := make([][]float64, len(b))
	for i := range b {
		out[i] = make([]float64, len(b[i]))
	}
	return out
}

// Fit implements Classifier.
func (m *MLP) Fit(X [][]float64, y []int, w []float64, nClasses int) error {
	if err := checkFitInput(X, y, w, nClasses); err != nil {
		return eris.Wrap(err, "mlp: fit")
	}
	if w == nil {
		w = uniformWeights(len(X))
	}
	n, d := len(X), len(X[0])
	m.NClasses = nClasses
	rng := rand.New(rand.NewPCG(m.Seed, m.Seed^0xda3e39cb94b95bdb))
	m.init(d, rng)

	meanW := 0.0
	for _, v := range w {
		meanW += v
	}
	meanW /= float64(n)

	opt := &adam{
		mw: zerosLike3(m.Weights), vw: zerosLike3(m.Weights),
		mb: zerosLike2(m.Biases), vb: zerosLike2(m.Biases),
	}
	gw, gb := zerosLike3(m.Weights), zerosLike2(m.Biases)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	batch := max(1, min(m.BatchSize, n))
	bestLoss, stale := math.Inf(1), 0

	for range m.Epochs {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		epochLoss := 0.0
		for start := 0; start < n; start += batch {
			end := min(start+batch, n)
			clear3(gw)
			clear2(gb)
			for _, i := range order[start:end] {
				epochLoss += m.backprop(X[i], y[i], w[i]/meanW, gw, gb)
			}
			m.step(opt, gw, gb, float64(end-start))
		}
		epochLoss /= float64(n)
		if epochLoss > bestLoss-m.Tolerance {
			stale++
			if stale >= m.Patience {
				break
			}
		} else {
			stale = 0
		}
		bestLoss = math.Min(bestLoss, epochLoss)
	}
	return nil
}

// init draws Glorot-uniform weights.
func (m *MLP) init(d int, rng *rand.Rand) {
	sizes := append(append([]int{d}, m.Hidden...), m.NClasses)
	m.Weights = make([][][]float64, len(sizes)-1)
	m.Biases = make([][]float64, len(sizes)-1)
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		bound := math.Sqrt(6 / float64(in+out))
		m.Weights[l] = make([][]float64, out)
		for o := range m.Weights[l] {
			row := make([]float64, in)
			for i := range row {
				row[i] = (rng.Float64()*2 - 1) * bound
			}
			m.Weights[l][o] = row
		}
		m.Biases[l] = make([]float64, out)
	}
}

// forward returns the activations of every layer, input first.
func (m *MLP) forward(x []float64) [][]float64 {
	acts := make([][]float64, 0, len(m.Weights)+1)
	acts = append(acts, x)
	cur := x
	last := len(m.Weights) - 1
	for l, W := range m.Weights {
		next := make([]float64, len(W))
		for o, row := range W {
			z := m.Biases[l][o]
			for i, v := range row {
				z += v * cur[i]
			}
			if l < last && z < 0 {
				z = 0
			}
			next[o] = z
		}
		if l == last {
			next = softmax(next)
		}
		acts = append(acts, next)
		cur = next
	}
	return acts
}

// backprop accumulates the weighted gradient for one sample into gw and gb
// and returns its weighted loss.
func (m *MLP) backprop(x []float64, label int, weight float64, gw [][][]float64, gb [][]float64) float64 {
	acts := m.forward(x)
	out := acts[len(acts)-1]

	delta := make([]float64, len(out))
	for k := range out {
		delta[k] = out[k] * weight
	}
	delta[label] -= weight
	loss := -weight * math.Log(math.Max(out[label], 1e-15))

	for l := len(m.Weights) - 1; l >= 0; l-- {
		in := acts[l]
		for o, dv := range delta {
			gb[l][o] += dv
			row := gw[l][o]
			for i, a := range in {
				row[i] += dv * a
			}
		}
		if l == 0 {
			break
		}
		prev := make([]float64, len(in))
		for i := range prev {
			if in[i] <= 0 {
				continue
			}
			s := 0.0
			for o, dv := range delta {
				s += m.Weights[l][o][i] * dv
			}
			prev[i] = s
		}
		delta = prev
	}
	return loss
}

func (m *MLP) step(opt *adam, gw [][][]float64, gb [][]float64, batch float64) {
	const beta1, beta2, eps = 0.9, 0.999, 1e-8
	opt.t++
	c1 := 1 - math.Pow(beta1, float64(opt.t))
	c2 := 1 - math.Pow(beta2, float64(opt.t))
	update := func(p, g, mom, vel *float64) {
		grad := *g / batch
		*mom = beta1*(*mom) + (1-beta1)*grad
		*vel = beta2*(*vel) + (1-beta2)*grad*grad
		*p -= m.LearningRate * (*mom / c1) / (math.Sqrt(*vel/c2) + eps)
	}
	for l := range m.Weights {
		for o := range m.Weights[l] {
			for i := range m.Weights[l][o] {
				update(&m.Weights[l][o][i], &gw[l][o][i], &opt.mw[l][o][i], &opt.vw[l][o][i])
			}
			update(&m.Biases[l][o], &gb[l][o], &opt.mb[l][o], &opt.vb[l][o])
		}
	}
}

// PredictProba implements Classifier.
func (m *MLP) PredictProba(x []float64) []float64 {
	if len(m.Weights) == 0 {
		return make([]float64, m.NClasses)
	}
	acts := m.forward(x)
	return acts[len(acts)-1]
}

func clear3(g [][][]float64) {
	for l := range g {
		clear2(g[l])
	}
}

func clear2(g [][]float64) {
	for i := range g {
		clear(g[i])
	}
}
