package predictor

import (
	"math"
	"math/rand/v2"
)

// Dense is a fully-connected layer. Weights are indexed [out][in].
type Dense struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

// Network is a feedforward regressor with ReLU hidden layers and a single
// linear output. Inference does not mutate the network, so a trained
// Network can be shared between goroutines.
type Network struct {
	Layers []Dense `json:"layers"`
}

// TrainConfig holds hyperparameters for training.
type TrainConfig struct {
	Hidden       []int   `json:"hidden" koanf:"hidden"`
	LearningRate float64 `json:"learning_rate" koanf:"learning_rate" validate:"gt=0"`
	Beta1        float64 `json:"beta1" koanf:"beta1" validate:"gt=0,lt=1"`
	Beta2        float64 `json:"beta2" koanf:"beta2" validate:"gt=0,lt=1"`
	Epsilon      float64 `json:"epsilon" koanf:"epsilon" validate:"gt=0"`
	BatchSize    int     `json:"batch_size" koanf:"batch_size" validate:"gte=1"`
	Epochs       int     `json:"epochs" koanf:"epochs" validate:"gte=1"`
	// Patience stops training after this many epochs without a validation
	// improvement. Zero disables early stopping.
	Patience int `json:"patience" koanf:"patience" validate:"gte=0"`
}

// DefaultTrainConfig returns sensible defaults for training.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Hidden:       []int{32, 16},
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		BatchSize:    64,
		Epochs:       200,
		Patience:     50,
	}
}

// NewNetwork creates a network with He initialization.
// sizes lists the neurons per layer including input and output, e.g. [8, 32, 16, 1].
func NewNetwork(sizes []int, rng *rand.Rand) *Network {
	n := &Network{Layers: make([]Dense, len(sizes)-1)}
	for i := range n.Layers {
		in, out := sizes[i], sizes[i+1]
		stddev := math.Sqrt(2.0 / float64(in))
		d := Dense{
			Weights: makeMatrix(out, in),
			Biases:  make([]float64, out),
		}
		for j := range d.Weights {
			for k := range d.Weights[j] {
				d.Weights[j][k] = rng.NormFloat64() * stddev
			}
		}
		n.Layers[i] = d
	}
	return n
}

// InputSize is the width of the vectors the network accepts.
func (n *Network) InputSize() int {
	if len(n.Layers) == 0 || len(n.Layers[0].Weights) == 0 {
		return 0
	}
	return len(n.Layers[0].Weights[0])
}

// Predict returns the scalar output for x.
func (n *Network) Predict(x []float64) float64 {
	acts := n.forward(x)
	return acts[len(acts)-1][0]
}

// forward returns the activations of every layer; acts[0] is the input.
func (n *Network) forward(x []float64) [][]float64 {
	acts := make([][]float64, 0, len(n.Layers)+1)
	acts = append(acts, x)
	last := len(n.Layers) - 1
	for i, l := range n.Layers {
		y := make([]float64, len(l.Weights))
		for j, row := range l.Weights {
			sum := l.Biases[j]
			for k, w := range row {
				sum += w * x[k]
			}
			if i < last && sum < 0 {
				sum = 0
			}
			y[j] = sum
		}
		acts = append(acts, y)
		x = y
	}
	return acts
}

// gradients accumulates dLoss/dParam with the same shape as the network.
type gradients struct {
	w [][][]float64
	b [][]float64
}

func newGradients(n *Network) *gradients {
	g := &gradients{
		w: make([][][]float64, len(n.Layers)),
		b: make([][]float64, len(n.Layers)),
	}
	for i, l := range n.Layers {
		g.w[i] = makeMatrix(len(l.Weights), len(l.Weights[0]))
		g.b[i] = make([]float64, len(l.Biases))
	}
	return g
}

func (g *gradients) zero() {
	for i := range g.w {
		for j := range g.w[i] {
			clear(g.w[i][j])
		}
		clear(g.b[i])
	}
}

// backward accumulates gradients for one sample given the activations from
// forward and dLoss/dOutput.
func (n *Network) backward(acts [][]float64, dOut float64, g *gradients) {
	delta := []float64{dOut}
	for i := len(n.Layers) - 1; i >= 0; i-- {
		l := n.Layers[i]
		in := acts[i]
		out := acts[i+1]

		if i < len(n.Layers)-1 {
			for j := range delta {
				if out[j] <= 0 {
					delta[j] = 0
				}
			}
		}

		for j, d := range delta {
			g.b[i][j] += d
			for k, v := range in {
				g.w[i][j][k] += d * v
			}
		}

		if i == 0 {
			break
		}
		prev := make([]float64, len(in))
		for j, d := range delta {
			if d == 0 {
				continue
			}
			for k, w := range l.Weights[j] {
				prev[k] += d * w
			}
		}
		delta = prev
	}
}

// adam holds optimizer moments for one training run.
type adam struct {
	cfg    TrainConfig
	step   int
	mW, vW [][][]float64
	mB, vB [][]float64
}

func newAdam(n *Network, cfg TrainConfig) *adam {
	a := &adam{cfg: cfg}
	m, v := newGradients(n), newGradients(n)
	a.mW, a.mB = m.w, m.b
	a.vW, a.vB = v.w, v.b
	return a
}

func (a *adam) update(n *Network, g *gradients) {
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))
	apply := func(p, m, v *float64, grad float64) {
		*m = a.cfg.Beta1**m + (1-a.cfg.Beta1)*grad
		*v = a.cfg.Beta2**v + (1-a.cfg.Beta2)*grad*grad
		*p -= a.cfg.LearningRate * (*m / c1) / (math.Sqrt(*v/c2) + a.cfg.Epsilon)
	}
	for i := range n.Layers {
		l := &n.Layers[i]
		for j := range l.Weights {
			for k := range l.Weights[j] {
				apply(&l.Weights[j][k], &a.mW[i][j][k], &a.vW[i][j][k], g.w[i][j][k])
			}
			apply(&l.Biases[j], &a.mB[i][j], &a.vB[i][j], g.b[i][j])
		}
	}
}

// epoch runs one shuffled pass of mini-batch Adam over (X, y).
func (n *Network) epoch(X [][]float64, y []float64, indices []int, opt *adam, g *gradients, rng *rand.Rand) {
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	batch := opt.cfg.BatchSize
	for start := 0; start < len(indices); start += batch {
		end := min(start+batch, len(indices))
		size := float64(end - start)

		g.zero()
		for _, idx := range indices[start:end] {
			acts := n.forward(X[idx])
			pred := acts[len(acts)-1][0]
			n.backward(acts, 2*(pred-y[idx])/size, g)
		}
		opt.update(n, g)
	}
}

// MSELoss computes mean squared error over a dataset.
func (n *Network) MSELoss(X [][]float64, y []float64) float64 {
	if len(X) == 0 {
		return 0
	}
	var sum float64
	for i := range X {
		d := n.Predict(X[i]) - y[i]
		sum += d * d
	}
	return sum / float64(len(X))
}

// Clone returns a deep copy of the network parameters.
func (n *Network) Clone() *Network {
	c := &Network{Layers: make([]Dense, len(n.Layers))}
	for i, l := range n.Layers {
		w := make([][]float64, len(l.Weights))
		for j := range l.Weights {
			w[j] = append([]float64(nil), l.Weights[j]...)
		}
		c.Layers[i] = Dense{Weights: w, Biases: append([]float64(nil), l.Biases...)}
	}
	return c
}

func makeMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
