package events

import (
	"math"
	"sort"
	"time"

	"ghost_energy/internal/model"
)

// DefaultGapTolerance is the largest gap between consecutive critical
// readings of a site that still belongs to the same event.
const DefaultGapTolerance = 3 * time.Hour

// Aggregator merges critical readings into events per site.
type Aggregator struct {
	GapTolerance time.Duration
}

// Aggregate requires the critical flag column. Events come out grouped by
// site (sorted) and ordered by start time within a site. No critical
// readings yields an empty, non-nil slice.
func (a Aggregator) Aggregate(ds model.Dataset) ([]model.Event, error) {
	if err := ds.Require(model.ColCriticalFlag); err != nil {
		return nil, err
	}
	gap := a.GapTolerance
	if gap <= 0 {
		gap = DefaultGapTolerance
	}

	bySite := make(map[string][]model.Reading)
	for _, r := range ds.Readings {
		if r.CriticalAnomaly {
			bySite[r.Site] = append(bySite[r.Site], r)
		}
	}
	sites := make([]string, 0, len(bySite))
	for s := range bySite {
		sites = append(sites, s)
	}
	sort.Strings(sites)

	events := make([]model.Event, 0)
	for _, site := range sites {
		readings := bySite[site]
		sort.SliceStable(readings, func(i, j int) bool {
			return readings[i].Timestamp.Before(readings[j].Timestamp)
		})

		seq := 0
		var open *model.Event
		for _, r := range readings {
			if open != nil && r.Timestamp.Sub(open.End) <= gap {
				open.Readings = append(open.Readings, r)
				open.End = r.Timestamp
				continue
			}
			if open != nil {
				events = append(events, finish(*open))
			}
			seq++
			open = &model.Event{
				ID:       model.EventID(site, seq),
				Site:     site,
				Start:    r.Timestamp,
				End:      r.Timestamp,
				Category: ClassifyReading(r),
				Readings: []model.Reading{r},
			}
		}
		if open != nil {
			events = append(events, finish(*open))
		}
	}
	return events, nil
}

// finish fills the aggregates. Duration counts distinct hours, so sectors
// reporting the same hour add consumption but not time.
func finish(e model.Event) model.Event {
	hours := make(map[int64]struct{}, len(e.Readings))
	var occSum float64
	var occN int
	for _, r := range e.Readings {
		hours[r.Timestamp.Unix()] = struct{}{}
		e.TotalKWh += r.ConsumptionKWh
		if r.HasOccupancy() {
			occSum += r.OccupancyPct
			occN++
		}
	}
	e.DurationHours = len(hours)
	e.AvgOccupancy = math.NaN()
	if occN > 0 {
		e.AvgOccupancy = occSum / float64(occN)
	}
	return e
}

// Rank orders events by total consumption, largest first. Ties keep their
// input order.
func Rank(events []model.Event) []model.Event {
	out := append([]model.Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalKWh > out[j].TotalKWh
	})
	return out
}

// TopN returns the first n ranked events of site, or of every site when
// site is empty.
func TopN(ranked []model.Event, site string, n int) []model.Event {
	out := make([]model.Event, 0, max(n, 0))
	for _, e := range ranked {
		if len(out) >= n {
			break
		}
		if site == "" || e.Site == site {
			out = append(out, e)
		}
	}
	return out
}
