// Package export writes the result tables as CSV files. Each file is
// written to a temporary name and renamed into place.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ghost_energy/internal/impact"
	"ghost_energy/internal/model"
)

const (
	ReadingsFile = "anomalies_detected.csv"
	EventsFile   = "events.csv"
	ImpactFile   = "impact_report.csv"
)

// ReadingsHeader is the header of the per-reading table.
var ReadingsHeader = []string{
	"site", "sector", "timestamp", "consumption_kwh", "occupancy_pct", "outdoor_temp_c",
	"predicted_consumption", "residual",
	"is_residual_anomaly", "is_outlier_anomaly", "is_critical_anomaly",
}

// EventsHeader is the header of the ranked events table.
var EventsHeader = []string{
	"event_id", "site", "start_time", "end_time", "duration_hours",
	"total_kwh", "avg_occupancy", "category", "cost",
}

// WriteReadings writes every reading with its derived columns.
func WriteReadings(path string, readings []model.Reading) error {
	return writeAtomic(path, func(w *csv.Writer) error {
		if err := w.Write(ReadingsHeader); err != nil {
			return err
		}
		for _, r := range readings {
			if err := w.Write([]string{
				r.Site,
				r.Sector,
				r.Timestamp.Format(time.RFC3339),
				formatFloat(r.ConsumptionKWh),
				formatFloat(r.OccupancyPct),
				formatFloat(r.OutdoorTempC),
				formatFloat(r.Predicted),
				formatFloat(r.Residual),
				strconv.FormatBool(r.ResidualAnomaly),
				strconv.FormatBool(r.OutlierAnomaly),
				strconv.FormatBool(r.CriticalAnomaly),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteEvents writes events in the given (ranked) order.
func WriteEvents(path string, evs []model.Event, cfg impact.Config) error {
	return writeAtomic(path, func(w *csv.Writer) error {
		if err := w.Write(EventsHeader); err != nil {
			return err
		}
		for _, e := range evs {
			if err := w.Write([]string{
				e.ID,
				e.Site,
				e.Start.Format(time.RFC3339),
				e.End.Format(time.RFC3339),
				strconv.Itoa(e.DurationHours),
				formatFloat(e.TotalKWh),
				formatFloat(e.AvgOccupancy),
				string(e.Category),
				cfg.Cost(e.TotalKWh).Amount.String(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteImpact writes the report as metric,value,unit rows.
func WriteImpact(path string, r impact.Report) error {
	return writeAtomic(path, func(w *csv.Writer) error {
		rows := [][]string{
			{"metric", "value", "unit"},
			{"Energy Saved", formatFloat(r.TotalKWh), "kWh"},
			{"CO2 Avoided", formatFloat(r.CO2Kg), "kg CO2"},
			{"Economic Savings", r.Cost.Amount.String(), r.Cost.Currency},
			{"Phantom Waste", formatFloat(r.PhantomWasteKWh), "kWh"},
		}
		for _, c := range r.Categories {
			rows = append(rows, []string{string(c.Category) + " Events", strconv.Itoa(c.Events), "events"})
		}
		return w.WriteAll(rows)
	})
}

// formatFloat renders NaN as an empty cell.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeAtomic(path string, fill func(*csv.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp, fill); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

func write(out io.Writer, fill func(*csv.Writer) error) error {
	w := csv.NewWriter(out)
	if err := fill(w); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
