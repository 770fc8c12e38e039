package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghost_energy/internal/anomaly"
	"ghost_energy/internal/explain"
	"ghost_energy/internal/export"
	"ghost_energy/internal/features"
	"ghost_energy/internal/ingest"
	"ghost_energy/internal/metrics"
	"ghost_energy/internal/model"
	"ghost_energy/internal/pipeline"
	"ghost_energy/internal/predictor"
	"ghost_energy/internal/publish"
	"ghost_energy/internal/store/sqlite"
)

func newRunCmd(a *app) *cobra.Command {
	var input, modelPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection pipeline over a dataset and publish the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input != "" {
				a.cfg.Data.Input = input
			}
			if modelPath != "" {
				a.cfg.Baseline.ModelPath = modelPath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := openDB(a.cfg.Data.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := a.runOnce(ctx, db, nil, nil)
			if err != nil {
				return err
			}
			for _, line := range res.Impact.Summary() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "cleaned dataset CSV (overrides data.input)")
	cmd.Flags().StringVar(&modelPath, "model", "", "pre-trained baseline JSON (overrides baseline.model_path)")
	return cmd
}

// runOnce loads the input, executes the pipeline, writes the result tables,
// publishes the run to db and, when Kafka is enabled, to the broker.
func (a *app) runOnce(ctx context.Context, db *sqlite.DB, m *metrics.Metrics, observers []pipeline.Observer) (*pipeline.Result, error) {
	cfg := a.cfg
	if cfg.Data.Input == "" {
		return nil, errors.New("no input dataset: set data.input or pass --input")
	}
	readings, err := ingest.LoadFile(cfg.Data.Input, &ingest.DatasetParser{})
	if err != nil {
		return nil, err
	}
	a.logger.Info("Dataset loaded", zap.String("path", cfg.Data.Input), zap.Int("rows", len(readings)))

	p, err := pipeline.New(cfg, a.logger, m)
	if err != nil {
		return nil, err
	}
	p.Observers = observers
	lags := cfg.Baseline.Features.Lags
	if path := cfg.Baseline.ModelPath; path != "" {
		b, err := loadBaseline(path)
		switch {
		case err == nil:
			p.Baseline = b
			lags = b.Encoder.Options.Lags
			a.logger.Info("Using pre-trained baseline", zap.String("path", path))
		case errors.Is(err, os.ErrNotExist):
			a.logger.Info("No pre-trained baseline, training", zap.String("path", path))
		default:
			return nil, err
		}
	}
	if dir := cfg.Outlier.ModelDir; dir != "" {
		forests, err := anomaly.LoadForests(dir)
		switch {
		case err == nil:
			if od, ok := p.Outlier.(*anomaly.OutlierDetector); ok {
				od.Forests = forests
			}
			a.logger.Info("Using pre-trained outlier forests", zap.String("dir", dir), zap.Int("sites", len(forests)))
		case errors.Is(err, os.ErrNotExist):
			a.logger.Info("No pre-trained outlier forests, fitting per run", zap.String("dir", dir))
		default:
			return nil, err
		}
	}
	readings = a.trimWarmup(readings, lags)

	res, err := p.Execute(ctx, model.NewDataset(readings))
	if err != nil {
		return nil, err
	}

	if err := writeTables(cfg.Data.OutputDir, res, a); err != nil {
		return nil, err
	}
	if err := db.Publish(ctx, res.Snapshot()); err != nil {
		return nil, err
	}
	a.logger.Info("Run published", zap.String("run_id", res.Run.ID), zap.String("db", cfg.Data.DBPath))
	if keep := cfg.Data.RetainRuns; keep > 0 {
		n, err := db.Prune(ctx, keep)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			a.logger.Info("Pruned old runs", zap.Int("removed", n), zap.Int("kept", keep))
		}
	}

	if cfg.Kafka.Enabled {
		if err := a.publishKafka(ctx, res, m); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// trimWarmup drops rows without full lag history when lags are on. The
// pipeline itself never removes rows, so the loss is reported here.
func (a *app) trimWarmup(readings []model.Reading, lags bool) []model.Reading {
	if !lags {
		return readings
	}
	trimmed := features.TrimWarmup(readings, features.LagOffsets)
	if dropped := len(readings) - len(trimmed); dropped > 0 {
		a.logger.Warn("Dropped rows without full lag history",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(trimmed)))
	}
	return trimmed
}

func writeTables(dir string, res *pipeline.Result, a *app) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := export.WriteReadings(filepath.Join(dir, export.ReadingsFile), res.Dataset.Readings); err != nil {
		return err
	}
	if err := export.WriteEvents(filepath.Join(dir, export.EventsFile), res.Events, a.cfg.Impact); err != nil {
		return err
	}
	if err := export.WriteImpact(filepath.Join(dir, export.ImpactFile), res.Impact); err != nil {
		return err
	}
	a.logger.Info("Result tables written", zap.String("dir", dir))
	return nil
}

func (a *app) publishKafka(ctx context.Context, res *pipeline.Result, m *metrics.Metrics) error {
	pub, err := publish.New(a.cfg.Kafka, a.logger, m)
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.PublishEvents(ctx, res.Run.ID, res.Events); err != nil {
		return err
	}
	d := explain.NewDispatcher(
		explain.NewBuilder(a.cfg.Impact, a.cfg.Explain.Language),
		pub,
		a.cfg.Explain.RatePerSecond,
		a.cfg.Explain.Burst,
		a.cfg.Explain.TopN,
		a.logger,
	)
	_, err = d.Dispatch(ctx, res.Run.ID, res.Events)
	return err
}

func loadBaseline(path string) (*predictor.Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := predictor.LoadBaseline(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return b, nil
}
