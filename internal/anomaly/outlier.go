package anomaly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"ghost_energy/internal/iforest"
	"ghost_energy/internal/model"
)

// OutlierDetector fits one isolation forest per site over consumption,
// occupancy, hour and day of week. The residual is never an input.
type OutlierDetector struct {
	Contamination float64
	Trees         int
	SampleSize    int
	Seed          uint64
	// Forests holds pre-fitted forests by site. Sites without one are
	// fitted on the rows being scored.
	Forests map[string]*iforest.Forest
	Logger  *zap.Logger
}

func (d *OutlierDetector) Name() string { return "outlier" }

// siteRows groups row indices by site, sites sorted. A NaN occupancy is an
// error.
func siteRows(ds model.Dataset) ([]string, map[string][]int, error) {
	if err := ds.Require(model.ColBase); err != nil {
		return nil, nil, err
	}
	bySite := make(map[string][]int)
	for i, r := range ds.Readings {
		if !r.HasOccupancy() {
			return nil, nil, fmt.Errorf("row %d (%s at %s): feature occupancy_pct: %w",
				i, r.SeriesKey(), r.Timestamp.Format(time.RFC3339), model.ErrNullFeature)
		}
		bySite[r.Site] = append(bySite[r.Site], i)
	}
	sites := make([]string, 0, len(bySite))
	for s := range bySite {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	return sites, bySite, nil
}

func siteMatrix(ds model.Dataset, idx []int) [][]float64 {
	X := make([][]float64, len(idx))
	for j, i := range idx {
		X[j] = outlierFeatures(ds.Readings[i])
	}
	return X
}

func (d *OutlierDetector) fit(site string, X [][]float64) (*iforest.Forest, error) {
	forest := iforest.New(
		iforest.WithTrees(d.Trees),
		iforest.WithSampleSize(d.SampleSize),
		iforest.WithContamination(d.Contamination),
		iforest.WithSeed(d.Seed),
	)
	if err := forest.Fit(X); err != nil {
		return nil, fmt.Errorf("fitting forest for site %s: %w", site, err)
	}
	return forest, nil
}

// Fit trains one forest per site of ds without scoring.
func (d *OutlierDetector) Fit(ctx context.Context, ds model.Dataset) (map[string]*iforest.Forest, error) {
	sites, bySite, err := siteRows(ds)
	if err != nil {
		return nil, err
	}
	forests := make(map[string]*iforest.Forest, len(sites))
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := d.fit(site, siteMatrix(ds, bySite[site]))
		if err != nil {
			return nil, err
		}
		forests[site] = f
	}
	return forests, nil
}

// Detect requires the base columns. A NaN occupancy aborts detection.
func (d *OutlierDetector) Detect(ctx context.Context, ds model.Dataset) ([]bool, error) {
	sites, bySite, err := siteRows(ds)
	if err != nil {
		return nil, err
	}

	flags := make([]bool, ds.Len())
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := bySite[site]
		X := siteMatrix(ds, idx)

		forest, pretrained := d.Forests[site]
		if !pretrained {
			if forest, err = d.fit(site, X); err != nil {
				return nil, err
			}
		}
		siteFlags, err := forest.Predict(X)
		if err != nil {
			return nil, fmt.Errorf("scoring site %s: %w", site, err)
		}
		for j, i := range idx {
			flags[i] = siteFlags[j]
		}

		if d.Logger != nil {
			d.Logger.Debug("site scored",
				zap.String("site", site),
				zap.Bool("pretrained", pretrained),
				zap.Int("rows", len(idx)),
				zap.Float64("threshold", forest.Threshold()),
				zap.Int("flagged", countTrue(siteFlags)),
			)
		}
	}
	return flags, nil
}

func outlierFeatures(r model.Reading) []float64 {
	return []float64{
		r.ConsumptionKWh,
		r.OccupancyPct,
		float64(r.Hour()),
		float64(r.DayOfWeek()),
	}
}
