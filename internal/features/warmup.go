package features

import (
	"time"

	"ghost_energy/internal/model"
	"ghost_energy/internal/store"
)

// TrimWarmup drops readings whose lag history is incomplete, i.e. rows for
// which any of the given offsets has no reading in the same series.
// Input order is preserved.
func TrimWarmup(readings []model.Reading, offsets []time.Duration) []model.Reading {
	if len(offsets) == 0 {
		return readings
	}
	s := store.FromReadings(readings)

	out := make([]model.Reading, 0, len(readings))
	for _, r := range readings {
		complete := true
		for _, off := range offsets {
			if _, ok := s.Lookup(r.SeriesKey(), r.Timestamp.Add(-off)); !ok {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, r)
		}
	}
	return out
}
