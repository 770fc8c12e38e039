package model

import (
	"encoding/json"
	"math"
	"time"
)

// Reading is one hourly row of the working dataset, keyed by (site, sector, timestamp).
// Derived columns are filled in by pipeline stages; which ones are valid is
// tracked by the owning Dataset's ColumnSet.
type Reading struct {
	Site           string
	Sector         string
	Timestamp      time.Time
	ConsumptionKWh float64
	OccupancyPct   float64 // NaN when unknown
	OutdoorTempC   float64

	Predicted float64
	Residual  float64

	ResidualAnomaly bool
	OutlierAnomaly  bool
	CriticalAnomaly bool
}

// SeriesKey identifies the time series a reading belongs to.
type SeriesKey struct {
	Site   string
	Sector string
}

func (k SeriesKey) String() string {
	if k.Sector == "" {
		return k.Site
	}
	return k.Site + "/" + k.Sector
}

func (r Reading) SeriesKey() SeriesKey {
	return SeriesKey{Site: r.Site, Sector: r.Sector}
}

// Hour returns the hour of day (0-23).
func (r Reading) Hour() int {
	return r.Timestamp.Hour()
}

// DayOfWeek returns the day of week with Monday = 0 and Sunday = 6.
func (r Reading) DayOfWeek() int {
	return (int(r.Timestamp.Weekday()) + 6) % 7
}

// Month returns the month (1-12).
func (r Reading) Month() int {
	return int(r.Timestamp.Month())
}

func (r Reading) HasOccupancy() bool {
	return !math.IsNaN(r.OccupancyPct)
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End).
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

type readingJSON struct {
	Site            string   `json:"site"`
	Sector          string   `json:"sector,omitempty"`
	Timestamp       string   `json:"timestamp"`
	ConsumptionKWh  float64  `json:"consumption_kwh"`
	OccupancyPct    *float64 `json:"occupancy_pct"`
	OutdoorTempC    float64  `json:"outdoor_temp_c"`
	Predicted       float64  `json:"predicted_consumption"`
	Residual        float64  `json:"residual"`
	ResidualAnomaly bool     `json:"is_residual_anomaly"`
	OutlierAnomaly  bool     `json:"is_outlier_anomaly"`
	CriticalAnomaly bool     `json:"is_critical_anomaly"`
}

// MarshalJSON encodes a NaN occupancy as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		Site:            r.Site,
		Sector:          r.Sector,
		Timestamp:       r.Timestamp.Format(time.RFC3339),
		ConsumptionKWh:  r.ConsumptionKWh,
		OccupancyPct:    nullableFloat(r.OccupancyPct),
		OutdoorTempC:    r.OutdoorTempC,
		Predicted:       r.Predicted,
		Residual:        r.Residual,
		ResidualAnomaly: r.ResidualAnomaly,
		OutlierAnomaly:  r.OutlierAnomaly,
		CriticalAnomaly: r.CriticalAnomaly,
	})
}
