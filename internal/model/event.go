package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type Category string

const (
	CategoryPhantom    Category = "Phantom Consumption"
	CategoryNighttime  Category = "Unusual Nighttime Use"
	CategoryDemandPeak Category = "Unexpected Demand Peak"
)

// Categories lists every category in rule priority order.
var Categories = []Category{CategoryPhantom, CategoryNighttime, CategoryDemandPeak}

// ParseCategory maps a label back to its Category.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Event is a maximal run of critical-anomaly readings for one site.
type Event struct {
	ID            string
	Site          string
	Start         time.Time
	End           time.Time
	DurationHours int
	TotalKWh      float64
	AvgOccupancy  float64 // NaN when no constituent has occupancy
	Category      Category

	Readings []Reading
}

// EventID builds the identifier of the seq-th event of a site (seq starts at 1).
func EventID(site string, seq int) string {
	return fmt.Sprintf("%s_%d", site, seq)
}

type eventJSON struct {
	ID            string   `json:"event_id"`
	Site          string   `json:"site"`
	Start         string   `json:"start_time"`
	End           string   `json:"end_time"`
	DurationHours int      `json:"duration_hours"`
	TotalKWh      float64  `json:"total_kwh"`
	AvgOccupancy  *float64 `json:"avg_occupancy"`
	Category      Category `json:"category"`
}

// MarshalJSON omits constituent readings and encodes a NaN occupancy as null.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:            e.ID,
		Site:          e.Site,
		Start:         e.Start.Format(time.RFC3339),
		End:           e.End.Format(time.RFC3339),
		DurationHours: e.DurationHours,
		TotalKWh:      e.TotalKWh,
		AvgOccupancy:  nullableFloat(e.AvgOccupancy),
		Category:      e.Category,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var v eventJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, v.Start)
	if err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, v.End)
	if err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	*e = Event{
		ID:            v.ID,
		Site:          v.Site,
		Start:         start,
		End:           end,
		DurationHours: v.DurationHours,
		TotalKWh:      v.TotalKWh,
		AvgOccupancy:  math.NaN(),
		Category:      v.Category,
	}
	if v.AvgOccupancy != nil {
		e.AvgOccupancy = *v.AvgOccupancy
	}
	return nil
}

func nullableFloat(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
