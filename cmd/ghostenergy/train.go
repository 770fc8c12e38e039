package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghost_energy/internal/anomaly"
	"ghost_energy/internal/ingest"
	"ghost_energy/internal/model"
	"ghost_energy/internal/predictor"
)

const defaultModelPath = "results/baseline.json"

func newTrainCmd(a *app) *cobra.Command {
	var input, out string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the baseline model and, when configured, the per-site outlier forests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if input == "" {
				input = cfg.Data.Input
			}
			if out == "" {
				out = cfg.Baseline.ModelPath
			}
			if out == "" {
				out = defaultModelPath
			}

			readings, err := ingest.LoadFile(input, &ingest.DatasetParser{})
			if err != nil {
				return err
			}
			evalStart, err := cfg.Baseline.EvalStartTime()
			if err != nil {
				return err
			}
			readings = a.trimWarmup(readings, cfg.Baseline.Features.Lags)
			train := predictor.TrainingRows(readings, evalStart)

			trainer := &predictor.NNTrainer{Config: cfg.Baseline.Train, Seed: cfg.Baseline.Seed}
			b, err := predictor.TrainBaseline(cmd.Context(), train, cfg.Baseline.Features, trainer)
			if err != nil {
				return err
			}
			data, err := b.Save()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("creating model directory: %w", err)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("writing model: %w", err)
			}

			fields := []zap.Field{zap.String("path", out), zap.Int("rows", len(train))}
			if nn, ok := b.Model.(*predictor.NNModel); ok {
				fields = append(fields, zap.Int("best_epoch", nn.BestEpoch))
			}
			a.logger.Info("Baseline saved", fields...)

			if dir := cfg.Outlier.ModelDir; dir != "" {
				od := &anomaly.OutlierDetector{
					Contamination: cfg.Outlier.Contamination,
					Trees:         cfg.Outlier.Trees,
					SampleSize:    cfg.Outlier.SampleSize,
					Seed:          cfg.Outlier.Seed,
				}
				forests, err := od.Fit(cmd.Context(), model.NewDataset(train))
				if err != nil {
					return err
				}
				if err := anomaly.SaveForests(dir, forests); err != nil {
					return err
				}
				a.logger.Info("Outlier forests saved", zap.String("dir", dir), zap.Int("sites", len(forests)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "cleaned dataset CSV (defaults to data.input)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "model output path (defaults to baseline.model_path)")
	return cmd
}
