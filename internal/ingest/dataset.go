package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"ghost_energy/internal/model"
)

// Canonical column names of the cleaned dataset.
const (
	ColSite        = "site"
	ColSector      = "sector"
	ColTimestamp   = "timestamp"
	ColConsumption = "consumption_kwh"
	ColOccupancy   = "occupancy_pct"
	ColOutdoorTemp = "outdoor_temp_c"
)

var requiredColumns = []string{ColSite, ColTimestamp, ColConsumption, ColOccupancy, ColOutdoorTemp}

// columnAliases maps the headers of the campus data exports to canonical names.
var columnAliases = map[string]string{
	"sede":                   ColSite,
	"sector_nombre":          ColSector,
	"energia_total_kwh":      ColConsumption,
	"consumo_kwh":            ColConsumption,
	"ocupacion_pct":          ColOccupancy,
	"temperatura_exterior_c": ColOutdoorTemp,
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// DatasetParser parses the cleaned hourly dataset produced by data preparation.
//
// Expected format (column order is free, sector is optional):
//
//	site,sector,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c
//	Tunja,labs,2025-01-01 00:00:00,52.3,4.0,11.2
//
// An empty occupancy cell is read as unknown (NaN). Every other malformed
// cell, a negative consumption or a duplicate (site, sector, timestamp) key
// fails the whole parse.
type DatasetParser struct{}

func (p *DatasetParser) Parse(r io.Reader) ([]model.Reading, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	idx, err := indexHeader(header)
	if err != nil {
		return nil, err
	}

	type key struct {
		series model.SeriesKey
		ts     int64
	}
	seen := make(map[key]int)

	var readings []model.Reading
	lineNum := 1

	for {
		lineNum++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", lineNum, err)
		}

		reading, err := parseDatasetRecord(record, idx, lineNum)
		if err != nil {
			return nil, err
		}

		k := key{series: reading.SeriesKey(), ts: reading.Timestamp.Unix()}
		if prev, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: line %d duplicates line %d (%s at %s)",
				model.ErrInvalidSchema, lineNum, prev, k.series, reading.Timestamp.Format(time.RFC3339))
		}
		seen[k] = lineNum

		readings = append(readings, reading)
	}

	return readings, nil
}

func indexHeader(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if _, dup := idx[name]; dup {
			continue
		}
		idx[name] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: header lacks %s", model.ErrMissingColumn, strings.Join(missing, ", "))
	}
	return idx, nil
}

func parseDatasetRecord(record []string, idx map[string]int, lineNum int) (model.Reading, error) {
	field := func(col string) (string, bool) {
		i, ok := idx[col]
		if !ok || i >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[i]), true
	}

	site, _ := field(ColSite)
	if site == "" {
		return model.Reading{}, fmt.Errorf("%w: line %d: empty site", model.ErrInvalidSchema, lineNum)
	}
	sector, _ := field(ColSector)

	rawTS, _ := field(ColTimestamp)
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return model.Reading{}, fmt.Errorf("%w: line %d: %v", model.ErrInvalidSchema, lineNum, err)
	}

	consumption, err := parseFloatField(field, ColConsumption, lineNum)
	if err != nil {
		return model.Reading{}, err
	}
	if consumption < 0 {
		return model.Reading{}, fmt.Errorf("%w: line %d: negative %s %v", model.ErrInvalidSchema, lineNum, ColConsumption, consumption)
	}

	occupancy := math.NaN()
	if raw, _ := field(ColOccupancy); raw != "" {
		occupancy, err = parseFloatField(field, ColOccupancy, lineNum)
		if err != nil {
			return model.Reading{}, err
		}
	}

	temp, err := parseFloatField(field, ColOutdoorTemp, lineNum)
	if err != nil {
		return model.Reading{}, err
	}

	return model.Reading{
		Site:           site,
		Sector:         sector,
		Timestamp:      ts,
		ConsumptionKWh: consumption,
		OccupancyPct:   occupancy,
		OutdoorTempC:   temp,
	}, nil
}

func parseFloatField(field func(string) (string, bool), col string, lineNum int) (float64, error) {
	raw, ok := field(col)
	if !ok || raw == "" {
		return 0, fmt.Errorf("%w: line %d: empty %s", model.ErrInvalidSchema, lineNum, col)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: line %d: parsing %s: %v", model.ErrInvalidSchema, lineNum, col, err)
	}
	return v, nil
}

// ParseTimestamp accepts RFC 3339 and the pandas "YYYY-MM-DD HH:MM:SS" form.
// Timestamps without a zone are read as UTC. A zone offset is kept, so clock
// fields (hour, weekday, date) stay in the campus's local time.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
