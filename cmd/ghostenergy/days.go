package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"

	"ghost_energy/internal/model"
	"ghost_energy/internal/store"
)

type dayStats struct {
	Site         string
	Date         string
	ActualKWh    float64
	PredictedKWh float64
	DeviationPct float64
	AvgOccupancy float64
	Critical     int
	Category     string
	Cause        string
}

// emptyOccupancyPct is the daily average below which a building counts as empty.
const emptyOccupancyPct = 5.0

func newDaysCmd(a *app) *cobra.Command {
	var sigma, minKWh float64
	var from, to string
	cmd := &cobra.Command{
		Use:   "days",
		Short: "Flag days whose consumption deviates from the baseline in the latest run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sigma <= 0 {
				return fmt.Errorf("sigma must be positive, got %g", sigma)
			}
			db, err := openDB(a.cfg.Data.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			snap, err := db.Latest(cmd.Context())
			if err != nil {
				return err
			}
			s := store.FromReadings(snap.Readings)
			tr, ok := s.GlobalTimeRange()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No readings in the latest run.")
				return nil
			}
			window, err := dayWindow(tr, from, to)
			if err != nil {
				return err
			}
			s = store.FromReadings(inWindow(snap.Readings, window))

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Data: %s to %s (%.0f days)\n",
				window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"), window.End.Sub(window.Start).Hours()/24)
			all := dailyStats(s, minKWh)
			flagged, mean, stddev := flagDays(all, sigma)
			printDays(w, all, flagged, mean, stddev, sigma)
			return nil
		},
	}
	cmd.Flags().Float64Var(&sigma, "sigma", 2.0, "standard deviation threshold for flagging days")
	cmd.Flags().Float64Var(&minKWh, "min-kwh", 1.0, "minimum daily kWh to consider a day")
	cmd.Flags().StringVar(&from, "from", "", "first day to report (YYYY-MM-DD, defaults to the start of the data)")
	cmd.Flags().StringVar(&to, "to", "", "day after the last one to report (YYYY-MM-DD, defaults to the end of the data)")
	return cmd
}

// dayWindow narrows the data range tr to [from, to). Empty bounds keep the
// data's own start and end; days are read in the data's zone.
func dayWindow(tr model.TimeRange, from, to string) (model.TimeRange, error) {
	window := model.TimeRange{Start: tr.Start, End: tr.End.Add(time.Nanosecond)}
	loc := tr.Start.Location()
	if from != "" {
		t, err := time.ParseInLocation("2006-01-02", from, loc)
		if err != nil {
			return window, fmt.Errorf("parsing --from: %w", err)
		}
		window.Start = t
	}
	if to != "" {
		t, err := time.ParseInLocation("2006-01-02", to, loc)
		if err != nil {
			return window, fmt.Errorf("parsing --to: %w", err)
		}
		window.End = t
	}
	if !window.End.After(window.Start) {
		return window, fmt.Errorf("empty window: %s is not after %s",
			window.End.Format("2006-01-02"), window.Start.Format("2006-01-02"))
	}
	return window, nil
}

func inWindow(readings []model.Reading, window model.TimeRange) []model.Reading {
	var out []model.Reading
	for _, r := range readings {
		if window.Contains(r.Timestamp) {
			out = append(out, r)
		}
	}
	return out
}

// dailyStats sums actual and predicted consumption per site and day. Days
// below minKWh are skipped.
func dailyStats(s *store.Store, minKWh float64) []dayStats {
	var out []dayStats
	for _, site := range s.Sites() {
		var cur *dayStats
		var occSum float64
		var occN int
		flush := func() {
			if cur == nil || cur.ActualKWh < minKWh {
				return
			}
			cur.AvgOccupancy = math.NaN()
			if occN > 0 {
				cur.AvgOccupancy = occSum / float64(occN)
			}
			if cur.PredictedKWh > 0 {
				cur.DeviationPct = (cur.ActualKWh - cur.PredictedKWh) / cur.PredictedKWh * 100
			}
			out = append(out, *cur)
		}
		for _, r := range s.SiteReadings(site) {
			day := r.Timestamp.Format("2006-01-02")
			if cur == nil || cur.Date != day {
				flush()
				cur = &dayStats{Site: site, Date: day}
				occSum, occN = 0, 0
			}
			cur.ActualKWh += r.ConsumptionKWh
			if r.Predicted > 0 {
				cur.PredictedKWh += r.Predicted
			}
			if !math.IsNaN(r.OccupancyPct) {
				occSum += r.OccupancyPct
				occN++
			}
			if r.CriticalAnomaly {
				cur.Critical++
			}
		}
		flush()
	}
	return out
}

// flagDays marks days whose deviation lies more than sigma standard
// deviations from the mean deviation.
func flagDays(days []dayStats, sigma float64) ([]dayStats, float64, float64) {
	if len(days) == 0 {
		return nil, 0, 0
	}
	var sum, sumSq float64
	for _, d := range days {
		sum += d.DeviationPct
		sumSq += d.DeviationPct * d.DeviationPct
	}
	n := float64(len(days))
	mean := sum / n
	stddev := math.Sqrt(math.Max(sumSq/n-mean*mean, 0))

	var flagged []dayStats
	for i := range days {
		d := &days[i]
		if math.Abs(d.DeviationPct-mean) <= sigma*stddev {
			continue
		}
		if d.ActualKWh > d.PredictedKWh {
			d.Category = "HIGH"
		} else {
			d.Category = "LOW"
		}
		d.Cause = inferCause(d)
		flagged = append(flagged, *d)
	}
	return flagged, mean, stddev
}

func inferCause(d *dayStats) string {
	if d.Category == "HIGH" {
		if d.AvgOccupancy < emptyOccupancyPct {
			return "Consumption in an empty building"
		}
		if d.DeviationPct > 100 {
			return "Very high usage, equipment left running?"
		}
		return "Above-normal consumption"
	}
	if d.DeviationPct < -50 {
		return "Very low usage, closure or outage?"
	}
	return "Below-normal consumption"
}

func printDays(w io.Writer, all, flagged []dayStats, mean, stddev, sigma float64) {
	fmt.Fprintf(w, "Days analyzed: %d\n", len(all))
	if len(all) == 0 {
		return
	}
	fmt.Fprintf(w, "Mean deviation: %+.1f%% | Std deviation: %.1f%% | Sigma: %.1f\n", mean, stddev, sigma)
	fmt.Fprintf(w, "Anomalous days: %d\n", len(flagged))
	if len(flagged) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-12s │ %-10s │ %8s │ %8s │ %8s │ %5s │ %4s │ %-5s │ %s\n",
		"Site", "Date", "Actual", "Predict", "Dev %", "Occ", "Crit", "Type", "Possible Cause")
	for _, d := range flagged {
		occ := "  n/a"
		if !math.IsNaN(d.AvgOccupancy) {
			occ = fmt.Sprintf("%5.1f", d.AvgOccupancy)
		}
		fmt.Fprintf(w, "%-12s │ %-10s │ %8.1f │ %8.1f │ %+8.1f │ %s │ %4d │ %-5s │ %s\n",
			d.Site, d.Date, d.ActualKWh, d.PredictedKWh, d.DeviationPct, occ, d.Critical, d.Category, d.Cause)
	}
}
