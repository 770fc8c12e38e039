// Package events groups critical readings into ranked waste events.
package events

import "ghost_energy/internal/model"

const (
	// PhantomOccupancyPct is the occupancy below which a building counts as empty.
	PhantomOccupancyPct = 5.0
	nightStartHour      = 22
	nightEndHour        = 5
)

// ClassifyInput carries the reading fields the category rules look at.
type ClassifyInput struct {
	Site         string
	Sector       string
	Hour         int
	OccupancyPct float64
}

// Classify assigns a waste category. Rules are evaluated in priority order:
// an almost empty building is phantom consumption whatever the hour, then
// late night and early morning hours, then everything else.
func Classify(in ClassifyInput) model.Category {
	switch {
	case in.OccupancyPct < PhantomOccupancyPct:
		return model.CategoryPhantom
	case in.Hour > nightStartHour || in.Hour < nightEndHour:
		return model.CategoryNighttime
	default:
		return model.CategoryDemandPeak
	}
}

// ClassifyReading classifies a single reading.
func ClassifyReading(r model.Reading) model.Category {
	return Classify(ClassifyInput{
		Site:         r.Site,
		Sector:       r.Sector,
		Hour:         r.Hour(),
		OccupancyPct: r.OccupancyPct,
	})
}
