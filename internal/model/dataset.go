package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingColumn = errors.New("missing required column")
	ErrNullFeature   = errors.New("null feature value")
	ErrInvalidSchema = errors.New("invalid input schema")
)

// ColumnSet is a bitmask of the column groups populated in a Dataset.
type ColumnSet uint8

const (
	ColBase ColumnSet = 1 << iota
	ColPrediction
	ColResidualFlag
	ColOutlierFlag
	ColCriticalFlag
)

var columnNames = []struct {
	col  ColumnSet
	name string
}{
	{ColBase, "site,sector,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c"},
	{ColPrediction, "predicted_consumption,residual"},
	{ColResidualFlag, "is_residual_anomaly"},
	{ColOutlierFlag, "is_outlier_anomaly"},
	{ColCriticalFlag, "is_critical_anomaly"},
}

func (c ColumnSet) Has(cols ColumnSet) bool {
	return c&cols == cols
}

func (c ColumnSet) String() string {
	var names []string
	for _, cn := range columnNames {
		if c&cn.col != 0 {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, ",")
}

// Dataset is an immutable snapshot of the working table handed between stages.
type Dataset struct {
	Readings []Reading
	Columns  ColumnSet
}

// NewDataset wraps freshly loaded readings.
func NewDataset(readings []Reading) Dataset {
	return Dataset{Readings: readings, Columns: ColBase}
}

// Require fails when any of cols has not been populated by an earlier stage.
func (d Dataset) Require(cols ColumnSet) error {
	missing := cols &^ d.Columns
	if missing != 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, missing)
	}
	return nil
}

// Clone returns a copy of the readings that the caller may modify.
func (d Dataset) Clone() []Reading {
	out := make([]Reading, len(d.Readings))
	copy(out, d.Readings)
	return out
}

// With returns a new dataset holding readings with cols added to the column set.
func (d Dataset) With(readings []Reading, cols ColumnSet) Dataset {
	return Dataset{Readings: readings, Columns: d.Columns | cols}
}

// Len returns the number of readings.
func (d Dataset) Len() int {
	return len(d.Readings)
}

// Sites returns the distinct sites in first-seen order.
func (d Dataset) Sites() []string {
	seen := make(map[string]bool)
	var sites []string
	for _, r := range d.Readings {
		if !seen[r.Site] {
			seen[r.Site] = true
			sites = append(sites, r.Site)
		}
	}
	return sites
}
