// Package anomaly flags readings with the residual and outlier detectors and
// fuses their votes into the critical flag.
package anomaly

import (
	"context"

	"ghost_energy/internal/model"
)

// Detector produces one flag per reading, in dataset order.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ds model.Dataset) ([]bool, error)
}

// Partition selects the grouping used for residual statistics.
type Partition string

const (
	PartitionSector Partition = "sector"
	PartitionSite   Partition = "site"
)

// ApplyFlags returns a copy of ds carrying the residual, outlier and fused
// critical flags. All slices must match the dataset length.
func ApplyFlags(ds model.Dataset, residual, outlier, critical []bool) (model.Dataset, error) {
	for _, flags := range [][]bool{residual, outlier, critical} {
		if len(flags) != ds.Len() {
			return model.Dataset{}, lengthError(len(flags), ds.Len())
		}
	}
	readings := ds.Clone()
	for i := range readings {
		readings[i].ResidualAnomaly = residual[i]
		readings[i].OutlierAnomaly = outlier[i]
		readings[i].CriticalAnomaly = critical[i]
	}
	return ds.With(readings, model.ColResidualFlag|model.ColOutlierFlag|model.ColCriticalFlag), nil
}

func countTrue(flags []bool) int {
	var n int
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
