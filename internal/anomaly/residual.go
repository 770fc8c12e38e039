package anomaly

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ghost_energy/internal/model"
	"ghost_energy/internal/stats"
)

// ResidualDetector flags readings whose residual exceeds mean + K*std of
// their partition. Statistics come from readings at or after EvalStart.
type ResidualDetector struct {
	K         float64
	Partition Partition
	EvalStart time.Time
	Logger    *zap.Logger
}

// PartitionStats are the residual statistics of one partition.
type PartitionStats struct {
	Key       string
	N         int
	Mean      float64
	Std       float64
	Threshold float64
}

func (d *ResidualDetector) Name() string { return "residual" }

func (d *ResidualDetector) key(r model.Reading) string {
	if d.Partition == PartitionSector && r.Sector != "" {
		return r.Site + "/" + r.Sector
	}
	return r.Site
}

// Stats computes per-partition statistics over the evaluation window.
// Partitions with no readings in the window are absent.
func (d *ResidualDetector) Stats(ds model.Dataset) map[string]PartitionStats {
	groups := make(map[string][]float64)
	for _, r := range ds.Readings {
		if !d.EvalStart.IsZero() && r.Timestamp.Before(d.EvalStart) {
			continue
		}
		k := d.key(r)
		groups[k] = append(groups[k], r.Residual)
	}

	out := make(map[string]PartitionStats, len(groups))
	for k, vals := range groups {
		mean, std := stats.SampleMeanStd(vals)
		out[k] = PartitionStats{
			Key:       k,
			N:         len(vals),
			Mean:      mean,
			Std:       std,
			Threshold: mean + d.K*std,
		}
	}
	return out
}

// Detect requires the prediction columns.
func (d *ResidualDetector) Detect(ctx context.Context, ds model.Dataset) ([]bool, error) {
	if err := ds.Require(model.ColPrediction); err != nil {
		return nil, err
	}
	partitions := d.Stats(ds)

	flags := make([]bool, ds.Len())
	for i, r := range ds.Readings {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		s, ok := partitions[d.key(r)]
		if !ok {
			continue
		}
		flags[i] = r.Residual > s.Threshold
	}

	if d.Logger != nil {
		d.Logger.Debug("residual detector done",
			zap.Int("partitions", len(partitions)),
			zap.Int("flagged", countTrue(flags)),
		)
	}
	return flags, nil
}
