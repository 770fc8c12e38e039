package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ghost_energy/internal/features"
	"ghost_energy/internal/model"
	"ghost_energy/internal/store"
)

// Baseline pairs a fitted feature encoder with the regressor trained on its output.
type Baseline struct {
	Encoder *features.Encoder
	Model   Model
}

// TrainingRows returns the rows used to fit the baseline: those strictly
// before evalStart, or all rows when evalStart is zero.
func TrainingRows(readings []model.Reading, evalStart time.Time) []model.Reading {
	if evalStart.IsZero() {
		return readings
	}
	out := make([]model.Reading, 0, len(readings))
	for _, r := range readings {
		if r.Timestamp.Before(evalStart) {
			out = append(out, r)
		}
	}
	return out
}

// TrainBaseline fits an encoder and a model on train. Any NaN or infinite
// feature or target aborts training with model.ErrNullFeature; rows are
// never dropped.
func TrainBaseline(ctx context.Context, train []model.Reading, opts features.Options, trainer Trainer) (*Baseline, error) {
	if len(train) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	enc := features.NewEncoder(train, opts)
	X, err := encodeAll(enc, train)
	if err != nil {
		return nil, err
	}
	y := make([]float64, len(train))
	for i, r := range train {
		if !finite(r.ConsumptionKWh) {
			return nil, fmt.Errorf("row %d (%s at %s): target consumption_kwh: %w",
				i, r.SeriesKey(), r.Timestamp.Format(time.RFC3339), model.ErrNullFeature)
		}
		y[i] = r.ConsumptionKWh
	}

	m, err := trainer.Fit(ctx, X, y)
	if err != nil {
		return nil, fmt.Errorf("fitting baseline: %w", err)
	}
	return &Baseline{Encoder: enc, Model: m}, nil
}

// Apply returns a copy of ds with Predicted and Residual set on every row.
// Predictions are not clipped, so negative predictions produce residuals
// larger than the consumption itself.
func (b *Baseline) Apply(ds model.Dataset) (model.Dataset, error) {
	if err := ds.Require(model.ColBase); err != nil {
		return model.Dataset{}, err
	}
	readings := ds.Clone()
	X, err := encodeAll(b.Encoder, readings)
	if err != nil {
		return model.Dataset{}, err
	}
	for i := range readings {
		readings[i].Predicted = b.Model.Predict(X[i])
		readings[i].Residual = readings[i].ConsumptionKWh - readings[i].Predicted
	}
	return ds.With(readings, model.ColPrediction), nil
}

func encodeAll(enc *features.Encoder, readings []model.Reading) ([][]float64, error) {
	var history features.History
	if enc.Options.Lags {
		history = store.FromReadings(readings)
	}
	names := enc.Names()
	X := make([][]float64, len(readings))
	for i, r := range readings {
		x := enc.Encode(r, history)
		for j, v := range x {
			if !finite(v) {
				return nil, fmt.Errorf("row %d (%s at %s): feature %s: %w",
					i, r.SeriesKey(), r.Timestamp.Format(time.RFC3339), names[j], model.ErrNullFeature)
			}
		}
		X[i] = x
	}
	return X, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type savedBaseline struct {
	Encoder *features.Encoder `json:"encoder"`
	Model   *NNModel          `json:"model"`
}

// Save serializes a baseline whose model is an *NNModel.
func (b *Baseline) Save() ([]byte, error) {
	nn, ok := b.Model.(*NNModel)
	if !ok {
		return nil, fmt.Errorf("saving baseline: unsupported model type %T", b.Model)
	}
	return json.MarshalIndent(savedBaseline{Encoder: b.Encoder, Model: nn}, "", "  ")
}

// LoadBaseline deserializes a baseline written by Save.
func LoadBaseline(data []byte) (*Baseline, error) {
	var s savedBaseline
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding baseline: %w", err)
	}
	if s.Encoder == nil || s.Model == nil || s.Model.Network == nil {
		return nil, errors.New("decoding baseline: incomplete artifact")
	}
	if got, want := s.Model.Network.InputSize(), s.Encoder.Width(); got != want {
		return nil, fmt.Errorf("decoding baseline: model input %d != encoder width %d", got, want)
	}
	return &Baseline{Encoder: s.Encoder, Model: s.Model}, nil
}
