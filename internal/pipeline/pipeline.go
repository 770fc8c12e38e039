// Package pipeline runs the anomaly stages in order over one dataset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ghost_energy/internal/anomaly"
	"ghost_energy/internal/config"
	"ghost_energy/internal/events"
	"ghost_energy/internal/features"
	"ghost_energy/internal/impact"
	"ghost_energy/internal/metrics"
	"ghost_energy/internal/model"
	"ghost_energy/internal/predictor"
	"ghost_energy/internal/store/sqlite"
)

const (
	StageBaseline = "baseline"
	StageResidual = "residual"
	StageOutlier  = "outlier"
	StageFusion   = "fusion"
	StageEvents   = "events"
	StageImpact   = "impact"
)

// Run identifies one execution.
type Run struct {
	ID        string
	StartedAt time.Time
	Logger    *zap.Logger
}

// StageReport describes a finished stage.
type StageReport struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
	Rows     int           `json:"rows"`
	Flagged  int           `json:"flagged"`
}

// Observer receives progress of a run. OnCompleted is only called for runs
// that finish every stage.
type Observer interface {
	OnStage(run Run, report StageReport)
	OnCompleted(run Run, result *Result)
}

// Result is the outcome of a complete run.
type Result struct {
	Run        Run
	FinishedAt time.Time
	Dataset    model.Dataset
	Baseline   *predictor.Baseline
	Events     []model.Event // ranked
	Impact     impact.Report
	Stages     []StageReport
}

// Snapshot converts the result into the form published to the event store.
func (r *Result) Snapshot() sqlite.Snapshot {
	return sqlite.Snapshot{
		Run: sqlite.Run{
			ID:         r.Run.ID,
			StartedAt:  r.Run.StartedAt,
			FinishedAt: r.FinishedAt,
			Rows:       r.Dataset.Len(),
			Events:     len(r.Events),
		},
		Readings: r.Dataset.Readings,
		Events:   r.Events,
		Impact:   r.Impact,
	}
}

// Pipeline holds the configured stages. Baseline, when set, is used as is;
// otherwise a new one is trained with Trainer on rows before EvalStart.
type Pipeline struct {
	Baseline   *predictor.Baseline
	Trainer    predictor.Trainer
	Features   features.Options
	EvalStart  time.Time
	Residual   anomaly.Detector
	Outlier    anomaly.Detector
	Fusion     anomaly.Fusion
	Aggregator events.Aggregator
	Impact     impact.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Observers  []Observer

	now func() time.Time
}

// New builds a pipeline from cfg. m may be nil.
func New(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Pipeline, error) {
	evalStart, err := cfg.Baseline.EvalStartTime()
	if err != nil {
		return nil, err
	}
	fusion, err := anomaly.NewFusion(cfg.Fusion.Policy, cfg.Fusion.N)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Trainer:   &predictor.NNTrainer{Config: cfg.Baseline.Train, Seed: cfg.Baseline.Seed},
		Features:  cfg.Baseline.Features,
		EvalStart: evalStart,
		Residual: &anomaly.ResidualDetector{
			K:         cfg.Residual.K,
			Partition: anomaly.Partition(cfg.Residual.Partition),
			EvalStart: evalStart,
			Logger:    logger,
		},
		Outlier: &anomaly.OutlierDetector{
			Contamination: cfg.Outlier.Contamination,
			Trees:         cfg.Outlier.Trees,
			SampleSize:    cfg.Outlier.SampleSize,
			Seed:          cfg.Outlier.Seed,
			Logger:        logger,
		},
		Fusion:     fusion,
		Aggregator: events.Aggregator{GapTolerance: cfg.Events.GapTolerance},
		Impact:     cfg.Impact,
		Logger:     logger,
		Metrics:    m,
	}, nil
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now().UTC()
}

// Execute runs every stage over ds. Any stage error aborts the run and
// nothing is returned besides the error. Every input row is kept; lag
// warm-up trimming belongs to data preparation.
func (p *Pipeline) Execute(ctx context.Context, ds model.Dataset) (res *Result, err error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	run := Run{ID: uuid.NewString(), StartedAt: p.clock()}
	run.Logger = logger.With(zap.String("run_id", run.ID))
	run.Logger.Info("Run started", zap.Int("rows", ds.Len()))

	defer func() {
		p.Metrics.RunFinished(err == nil)
		if err != nil {
			run.Logger.Error("Run failed", zap.Error(err))
		}
	}()

	if err := ds.Require(model.ColBase); err != nil {
		return nil, err
	}
	p.Metrics.SetRows(ds.Len())

	res = &Result{Run: run}
	stage := func(name string, fn func() (int, error)) error {
		start := time.Now()
		flagged, err := fn()
		if err != nil {
			return fmt.Errorf("%s stage: %w", name, err)
		}
		report := StageReport{Stage: name, Duration: time.Since(start), Rows: ds.Len(), Flagged: flagged}
		res.Stages = append(res.Stages, report)
		p.Metrics.ObserveStage(name, report.Duration)
		run.Logger.Info("Stage finished",
			zap.String("stage", name),
			zap.Int("rows", report.Rows),
			zap.Int("flagged", flagged),
			zap.Duration("duration", report.Duration))
		for _, o := range p.Observers {
			o.OnStage(run, report)
		}
		return ctx.Err()
	}

	if err := stage(StageBaseline, func() (int, error) {
		b := p.Baseline
		if b == nil {
			if p.Trainer == nil {
				return 0, errors.New("no baseline model and no trainer")
			}
			train := predictor.TrainingRows(ds.Readings, p.EvalStart)
			var err error
			b, err = predictor.TrainBaseline(ctx, train, p.Features, p.Trainer)
			if err != nil {
				return 0, err
			}
		}
		out, err := b.Apply(ds)
		if err != nil {
			return 0, err
		}
		res.Baseline = b
		ds = out
		return 0, nil
	}); err != nil {
		return nil, err
	}

	var residual, outlier, critical []bool
	if err := stage(StageResidual, func() (int, error) {
		var err error
		residual, err = p.Residual.Detect(ctx, ds)
		p.Metrics.SetFlagged(p.Residual.Name(), count(residual))
		return count(residual), err
	}); err != nil {
		return nil, err
	}
	if err := stage(StageOutlier, func() (int, error) {
		var err error
		outlier, err = p.Outlier.Detect(ctx, ds)
		p.Metrics.SetFlagged(p.Outlier.Name(), count(outlier))
		return count(outlier), err
	}); err != nil {
		return nil, err
	}
	if err := stage(StageFusion, func() (int, error) {
		var err error
		critical, err = p.Fusion.Fuse(residual, outlier)
		if err != nil {
			return 0, err
		}
		ds, err = anomaly.ApplyFlags(ds, residual, outlier, critical)
		p.Metrics.SetFlagged("critical", count(critical))
		return count(critical), err
	}); err != nil {
		return nil, err
	}

	if err := stage(StageEvents, func() (int, error) {
		evs, err := p.Aggregator.Aggregate(ds)
		if err != nil {
			return 0, err
		}
		res.Events = events.Rank(evs)
		return len(res.Events), nil
	}); err != nil {
		return nil, err
	}

	if err := stage(StageImpact, func() (int, error) {
		res.Impact = impact.Compute(ds.Readings, res.Events, p.Impact)
		byCategory := make(map[string]int)
		for _, ev := range res.Events {
			byCategory[string(ev.Category)]++
		}
		p.Metrics.SetEvents(byCategory, res.Impact.TotalKWh)
		return 0, nil
	}); err != nil {
		return nil, err
	}

	res.Dataset = ds
	res.FinishedAt = p.clock()
	run.Logger.Info("Run completed",
		zap.Int("events", len(res.Events)),
		zap.Float64("total_kwh", res.Impact.TotalKWh),
		zap.Duration("duration", res.FinishedAt.Sub(run.StartedAt)))
	for _, o := range p.Observers {
		o.OnCompleted(run, res)
	}
	return res, nil
}

func count(flags []bool) int {
	var n int
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
