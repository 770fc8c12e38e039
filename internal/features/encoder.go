// Package features turns readings into the numeric vectors the baseline
// regressor is trained on.
package features

import (
	"math"
	"sort"
	"strconv"
	"time"

	"ghost_energy/internal/model"
)

// LagOffsets are the history offsets used when lag features are enabled:
// the previous hour, the same hour yesterday and the same hour last week.
var LagOffsets = []time.Duration{time.Hour, 24 * time.Hour, 168 * time.Hour}

// History looks up the reading of a series at an exact timestamp.
type History interface {
	Lookup(key model.SeriesKey, t time.Time) (model.Reading, bool)
}

// Options selects the optional feature groups.
type Options struct {
	Lags       bool `json:"lags" koanf:"lags"`
	Categories bool `json:"categories" koanf:"categories"`
}

// Stats holds z-score parameters for one numeric column.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

func (s Stats) apply(v float64) float64 {
	return (v - s.Mean) / s.Std
}

// Encoder maps a reading to a fixed-width feature vector. It is fitted on
// the training rows and serialized alongside the model.
type Encoder struct {
	Options     Options  `json:"options"`
	Occupancy   Stats    `json:"occupancy"`
	Temperature Stats    `json:"temperature"`
	Consumption Stats    `json:"consumption"`
	Sites       []string `json:"sites"`
	Sectors     []string `json:"sectors"`

	siteIdx   map[string]int
	sectorIdx map[string]int
}

// NewEncoder fits normalization statistics and category vocabularies on readings.
// NaN values are skipped when computing statistics; they surface later as
// NaN features so the regressor can reject them.
func NewEncoder(readings []model.Reading, opts Options) *Encoder {
	occ := make([]float64, 0, len(readings))
	temp := make([]float64, 0, len(readings))
	cons := make([]float64, 0, len(readings))
	sites := make(map[string]bool)
	sectors := make(map[string]bool)

	for _, r := range readings {
		occ = append(occ, r.OccupancyPct)
		temp = append(temp, r.OutdoorTempC)
		cons = append(cons, r.ConsumptionKWh)
		sites[r.Site] = true
		sectors[r.Sector] = true
	}

	e := &Encoder{
		Options:     opts,
		Occupancy:   computeStats(occ),
		Temperature: computeStats(temp),
		Consumption: computeStats(cons),
	}
	if opts.Categories {
		e.Sites = sortedKeys(sites)
		e.Sectors = sortedKeys(sectors)
	}
	e.index()
	return e
}

func (e *Encoder) index() {
	e.siteIdx = make(map[string]int, len(e.Sites))
	for i, s := range e.Sites {
		e.siteIdx[s] = i
	}
	e.sectorIdx = make(map[string]int, len(e.Sectors))
	for i, s := range e.Sectors {
		e.sectorIdx[s] = i
	}
}

// Width is the length of every encoded vector.
func (e *Encoder) Width() int {
	w := 8
	if e.Options.Lags {
		w += len(LagOffsets)
	}
	return w + len(e.Sites) + len(e.Sectors)
}

// Names returns the feature names in vector order.
func (e *Encoder) Names() []string {
	names := []string{
		"hour_sin", "hour_cos",
		"day_sin", "day_cos",
		"month_sin", "month_cos",
		"occupancy_pct", "outdoor_temp_c",
	}
	if e.Options.Lags {
		for _, off := range LagOffsets {
			names = append(names, "lag_"+lagName(off))
		}
	}
	for _, s := range e.Sites {
		names = append(names, "site="+s)
	}
	for _, s := range e.Sectors {
		names = append(names, "sector="+s)
	}
	return names
}

// Encode builds the feature vector of r. history is only consulted when lag
// features are enabled; a missing lag yields NaN.
func (e *Encoder) Encode(r model.Reading, history History) []float64 {
	if e.siteIdx == nil {
		e.index()
	}

	x := make([]float64, 0, e.Width())
	x = append(x, Cyclical(float64(r.Hour()), 24)...)
	x = append(x, Cyclical(float64(r.DayOfWeek()), 7)...)
	x = append(x, Cyclical(float64(r.Month()), 12)...)
	x = append(x, e.Occupancy.apply(r.OccupancyPct), e.Temperature.apply(r.OutdoorTempC))

	if e.Options.Lags {
		for _, off := range LagOffsets {
			v := math.NaN()
			if history != nil {
				if prev, ok := history.Lookup(r.SeriesKey(), r.Timestamp.Add(-off)); ok {
					v = e.Consumption.apply(prev.ConsumptionKWh)
				}
			}
			x = append(x, v)
		}
	}

	x = appendOneHot(x, e.siteIdx, len(e.Sites), r.Site)
	x = appendOneHot(x, e.sectorIdx, len(e.Sectors), r.Sector)
	return x
}

// Cyclical encodes v with the given period as (sin, cos).
func Cyclical(v, period float64) []float64 {
	angle := 2 * math.Pi * v / period
	return []float64{math.Sin(angle), math.Cos(angle)}
}

func appendOneHot(x []float64, idx map[string]int, n int, value string) []float64 {
	start := len(x)
	for i := 0; i < n; i++ {
		x = append(x, 0)
	}
	if i, ok := idx[value]; ok {
		x[start+i] = 1
	}
	return x
}

func computeStats(values []float64) Stats {
	var sum float64
	var n int
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return Stats{Mean: 0, Std: 1}
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))
	if std < 1e-10 {
		std = 1
	}
	return Stats{Mean: mean, Std: std}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lagName(d time.Duration) string {
	return strconv.Itoa(int(d.Hours())) + "h"
}
