package ingest

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghost_energy/internal/model"
)

func TestDatasetParser_Parse(t *testing.T) {
	input := `site,sector,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c
Tunja,labs,2025-01-01 00:00:00,52.3,4.0,11.2
Tunja,labs,2025-01-01T01:00:00Z,48.1,,10.9`

	parser := &DatasetParser{}
	readings, err := parser.Parse(strings.NewReader(input))

	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "Tunja", readings[0].Site)
	assert.Equal(t, "labs", readings[0].Sector)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), readings[0].Timestamp)
	assert.InDelta(t, 52.3, readings[0].ConsumptionKWh, 0.001)
	assert.InDelta(t, 4.0, readings[0].OccupancyPct, 0.001)
	assert.InDelta(t, 11.2, readings[0].OutdoorTempC, 0.001)

	assert.True(t, math.IsNaN(readings[1].OccupancyPct), "empty occupancy is unknown")
	assert.Equal(t, time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC), readings[1].Timestamp)
}

func TestParseTimestamp_KeepsZoneOffset(t *testing.T) {
	ts, err := ParseTimestamp("2024-03-04T03:00:00-05:00")
	require.NoError(t, err)

	r := model.Reading{Timestamp: ts}
	assert.Equal(t, 3, r.Hour(), "hour is local clock time")
	assert.Equal(t, 0, r.DayOfWeek(), "2024-03-04 is a Monday")
	assert.True(t, ts.Equal(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)))

	naive, err := ParseTimestamp("2024-03-04 03:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, naive.Location())
	assert.Equal(t, 3, naive.Hour())
}

func TestDatasetParser_SectorOptionalAndAliases(t *testing.T) {
	input := `timestamp,sede,energia_total_kwh,ocupacion_pct,temperatura_exterior_c
2025-01-01 00:00:00,Duitama,120.5,35,14`

	readings, err := (&DatasetParser{}).Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "Duitama", readings[0].Site)
	assert.Equal(t, "", readings[0].Sector)
	assert.InDelta(t, 120.5, readings[0].ConsumptionKWh, 0.001)
}

func TestDatasetParser_FailsFast(t *testing.T) {
	header := "site,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c\n"
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "missing column",
			input:   "site,timestamp,consumption_kwh,outdoor_temp_c\nA,2025-01-01 00:00:00,1,2",
			wantErr: model.ErrMissingColumn,
		},
		{
			name:    "bad number",
			input:   header + "A,2025-01-01 00:00:00,abc,10,2",
			wantErr: model.ErrInvalidSchema,
		},
		{
			name:    "empty consumption",
			input:   header + "A,2025-01-01 00:00:00,,10,2",
			wantErr: model.ErrInvalidSchema,
		},
		{
			name:    "negative consumption",
			input:   header + "A,2025-01-01 00:00:00,-1,10,2",
			wantErr: model.ErrInvalidSchema,
		},
		{
			name:    "bad timestamp",
			input:   header + "A,yesterday,1,10,2",
			wantErr: model.ErrInvalidSchema,
		},
		{
			name:    "duplicate key",
			input:   header + "A,2025-01-01 00:00:00,1,10,2\nA,2025-01-01 00:00:00,2,10,2",
			wantErr: model.ErrInvalidSchema,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&DatasetParser{}).Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDatasetParser_EmptyBody(t *testing.T) {
	readings, err := (&DatasetParser{}).Parse(strings.NewReader("site,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c\n"))
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.csv")
	content := "site,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c\nA,2025-01-01 00:00:00,1,10,2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	readings, err := LoadFile(path, &DatasetParser{})
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"), &DatasetParser{})
	assert.Error(t, err)
}
