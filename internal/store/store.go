package store

import (
	"sort"
	"sync"
	"time"

	"ghost_energy/internal/model"
)

// Store holds readings in memory, indexed by (site, sector) series.
type Store struct {
	mu       sync.RWMutex
	readings map[model.SeriesKey][]model.Reading // sorted by timestamp
}

func New() *Store {
	return &Store{
		readings: make(map[model.SeriesKey][]model.Reading),
	}
}

// FromReadings builds a store holding a copy of readings.
func FromReadings(readings []model.Reading) *Store {
	s := New()
	s.AddReadings(readings)
	return s
}

// AddReadings appends readings to their series, then sorts each affected series by timestamp.
func (s *Store) AddReadings(readings []model.Reading) {
	if len(readings) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range readings {
		key := r.SeriesKey()
		s.readings[key] = append(s.readings[key], r)
	}

	seen := make(map[model.SeriesKey]bool)
	for _, r := range readings {
		key := r.SeriesKey()
		if !seen[key] {
			seen[key] = true
			series := s.readings[key]
			sort.SliceStable(series, func(i, j int) bool {
				return series[i].Timestamp.Before(series[j].Timestamp)
			})
		}
	}
}

// Series returns all series keys sorted by site, then sector.
func (s *Store) Series() []model.SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]model.SeriesKey, 0, len(s.readings))
	for k := range s.readings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Site != keys[j].Site {
			return keys[i].Site < keys[j].Site
		}
		return keys[i].Sector < keys[j].Sector
	})
	return keys
}

// Sites returns the distinct sites, sorted.
func (s *Store) Sites() []string {
	var sites []string
	for _, k := range s.Series() {
		if len(sites) == 0 || sites[len(sites)-1] != k.Site {
			sites = append(sites, k.Site)
		}
	}
	return sites
}

// ReadingCount returns the number of readings in a series.
func (s *Store) ReadingCount(key model.SeriesKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings[key])
}

// TimeRange returns the time range covered by a series.
func (s *Store) TimeRange(key model.SeriesKey) (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	readings := s.readings[key]
	if len(readings) == 0 {
		return model.TimeRange{}, false
	}

	return model.TimeRange{
		Start: readings[0].Timestamp,
		End:   readings[len(readings)-1].Timestamp,
	}, true
}

// GlobalTimeRange returns the union of all series' time ranges.
func (s *Store) GlobalTimeRange() (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var start, end time.Time
	first := true

	for _, readings := range s.readings {
		if len(readings) == 0 {
			continue
		}
		rStart := readings[0].Timestamp
		rEnd := readings[len(readings)-1].Timestamp

		if first || rStart.Before(start) {
			start = rStart
		}
		if first || rEnd.After(end) {
			end = rEnd
		}
		first = false
	}

	if first {
		return model.TimeRange{}, false
	}
	return model.TimeRange{Start: start, End: end}, true
}

// ReadingsInRange returns readings of a series between start (inclusive) and end (exclusive).
func (s *Store) ReadingsInRange(key model.SeriesKey, start, end time.Time) []model.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.readings[key]
	if len(all) == 0 {
		return nil
	}

	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(start)
	})
	endIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(end)
	})

	if startIdx >= endIdx {
		return nil
	}

	result := make([]model.Reading, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result
}

// ReadingAt returns the most recent reading of a series at or before t.
func (s *Store) ReadingAt(key model.SeriesKey, t time.Time) (model.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.readings[key]
	idx := sort.Search(len(all), func(i int) bool {
		return all[i].Timestamp.After(t)
	})
	if idx == 0 {
		return model.Reading{}, false
	}
	return all[idx-1], true
}

// Lookup returns the reading of a series stamped exactly at t.
func (s *Store) Lookup(key model.SeriesKey, t time.Time) (model.Reading, bool) {
	r, ok := s.ReadingAt(key, t)
	if !ok || !r.Timestamp.Equal(t) {
		return model.Reading{}, false
	}
	return r, true
}

// SiteReadings returns every reading of a site across its sectors, ordered by
// timestamp then sector.
func (s *Store) SiteReadings(site string) []model.Reading {
	s.mu.RLock()
	var out []model.Reading
	for k, readings := range s.readings {
		if k.Site == site {
			out = append(out, readings...)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sector < out[j].Sector
	})
	return out
}

// DailyTotal is the consumption of one site over one calendar day in the
// readings' own zone.
type DailyTotal struct {
	Date     string  `json:"date"`
	TotalKWh float64 `json:"total_kwh"`
}

// DailyTotals sums a site's consumption per calendar day.
func (s *Store) DailyTotals(site string) []DailyTotal {
	var totals []DailyTotal
	for _, r := range s.SiteReadings(site) {
		day := r.Timestamp.Format("2006-01-02")
		if len(totals) == 0 || totals[len(totals)-1].Date != day {
			totals = append(totals, DailyTotal{Date: day})
		}
		totals[len(totals)-1].TotalKWh += r.ConsumptionKWh
	}
	return totals
}
