// Package predictor fits the baseline consumption regressor and applies it
// to a dataset.
package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Model predicts expected consumption from a feature vector.
type Model interface {
	Predict(x []float64) float64
}

// Trainer fits a Model. Each call produces an independent model.
type Trainer interface {
	Fit(ctx context.Context, X [][]float64, y []float64) (Model, error)
}

// ErrEmptyTrainingSet is returned when a trainer receives no rows.
var ErrEmptyTrainingSet = errors.New("empty training set")

// NNTrainer trains a Network with Adam on a z-scored target, holding out a
// shuffled 10% validation split for early stopping.
type NNTrainer struct {
	Config TrainConfig
	Seed   uint64
}

// NNModel is a trained network together with the target scaling it was fit on.
type NNModel struct {
	Network    *Network `json:"network"`
	TargetMean float64  `json:"target_mean"`
	TargetStd  float64  `json:"target_std"`
	// Losses holds the validation MSE of every completed epoch.
	Losses    []float64 `json:"losses,omitempty"`
	BestEpoch int       `json:"best_epoch"`
}

// Predict returns a prediction in target units.
func (m *NNModel) Predict(x []float64) float64 {
	return m.Network.Predict(x)*m.TargetStd + m.TargetMean
}

// Save serializes the model to JSON.
func (m *NNModel) Save() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// LoadNNModel deserializes a model from JSON.
func LoadNNModel(data []byte) (*NNModel, error) {
	var m NNModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	if m.Network == nil || len(m.Network.Layers) == 0 {
		return nil, errors.New("decoding model: no layers")
	}
	return &m, nil
}

// Fit trains a fresh network. Training stops after Config.Epochs or when the
// validation loss has not improved for Config.Patience epochs; the weights of
// the best epoch are kept.
func (t *NNTrainer) Fit(ctx context.Context, X [][]float64, y []float64) (Model, error) {
	if len(X) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("feature rows %d != targets %d", len(X), len(y))
	}
	cfg := t.Config
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	rng := rand.New(rand.NewPCG(t.Seed, 0))
	mean, std := meanStd(y)
	scaled := make([]float64, len(y))
	for i, v := range y {
		scaled[i] = (v - mean) / std
	}

	trainX, trainY, valX, valY := ShuffleAndSplit(X, scaled, rng)

	sizes := append([]int{len(X[0])}, cfg.Hidden...)
	sizes = append(sizes, 1)
	net := NewNetwork(sizes, rng)

	opt := newAdam(net, cfg)
	grads := newGradients(net)
	indices := make([]int, len(trainX))
	for i := range indices {
		indices[i] = i
	}

	best := net.Clone()
	bestLoss := math.Inf(1)
	bestEpoch := 0
	losses := make([]float64, 0, cfg.Epochs)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		net.epoch(trainX, trainY, indices, opt, grads, rng)

		loss := net.MSELoss(valX, valY)
		losses = append(losses, loss)
		if loss < bestLoss {
			bestLoss = loss
			bestEpoch = epoch
			best = net.Clone()
		} else if cfg.Patience > 0 && epoch-bestEpoch >= cfg.Patience {
			break
		}
	}

	return &NNModel{
		Network:    best,
		TargetMean: mean,
		TargetStd:  std,
		Losses:     losses,
		BestEpoch:  bestEpoch,
	}, nil
}

// ShuffleAndSplit shuffles rows and returns a 90/10 train/validation split.
// At least one row is held out; with a single row it is used for both.
func ShuffleAndSplit(X [][]float64, y []float64, rng *rand.Rand) (trainX [][]float64, trainY []float64, valX [][]float64, valY []float64) {
	n := len(X)
	if n == 1 {
		return X, y, X, y
	}
	nVal := max(n/10, 1)
	nTrain := n - nVal

	indices := rng.Perm(n)
	trainX = make([][]float64, nTrain)
	trainY = make([]float64, nTrain)
	valX = make([][]float64, nVal)
	valY = make([]float64, nVal)
	for i, idx := range indices {
		if i < nTrain {
			trainX[i], trainY[i] = X[idx], y[idx]
		} else {
			valX[i-nTrain], valY[i-nTrain] = X[idx], y[idx]
		}
	}
	return
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(values)))
	if std < 1e-10 {
		std = 1
	}
	return mean, std
}
