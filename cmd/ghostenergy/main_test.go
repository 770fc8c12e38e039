package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghost_energy/internal/export"
	"ghost_energy/internal/model"
	"ghost_energy/internal/store/sqlite"
)

// writeDataset writes 14 days of hourly readings for one site with a
// five-hour overnight burst in an empty building.
func writeDataset(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("site,sector,timestamp,consumption_kwh,occupancy_pct,outdoor_temp_c\n")
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 14*24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		kwh, occ := 50.0, float64(10+ts.Hour()*2)
		if i >= 7*24 && i < 7*24+5 {
			kwh, occ = 500, 0
		}
		fmt.Fprintf(&b, "Tunja,,%s,%g,%g,14\n", ts.Format("2006-01-02 15:04:05"), kwh, occ)
	}
	path := filepath.Join(dir, "dataset.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func writeConfig(t *testing.T, dir, input string) string {
	t.Helper()
	cfg := fmt.Sprintf(`log_level: warn
log_format: console
data:
  input: %s
  output_dir: %s
  db_path: %s
  retain_runs: 1
baseline:
  model_path: %s
  train:
    hidden: [4]
    epochs: 3
    patience: 3
outlier:
  contamination: 0.1
  model_dir: %s
`, input, filepath.Join(dir, "results"), filepath.Join(dir, "results", "ghost.db"),
		filepath.Join(dir, "results", "baseline.json"), filepath.Join(dir, "results", "forests"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTrainRunImpact(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, writeDataset(t, dir))

	_, err := execute(t, "train", "--config", cfgPath)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "results", "baseline.json"))
	assert.FileExists(t, filepath.Join(dir, "results", "forests", "Tunja.gob"))

	out, err := execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Energy saved:")
	for _, name := range []string{export.ReadingsFile, export.EventsFile, export.ImpactFile} {
		assert.FileExists(t, filepath.Join(dir, "results", name))
	}

	_, err = execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	db, err := sqlite.Open(filepath.Join(dir, "results", "ghost.db"))
	require.NoError(t, err)
	runs, err := db.Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, 1, "retain_runs keeps only the newest run")
	require.NoError(t, db.Close())

	out, err = execute(t, "impact", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Run ")
	assert.Contains(t, out, "Phantom waste:")

	out, err = execute(t, "days", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Days analyzed: 14")

	_, err = execute(t, "days", "--config", cfgPath, "--sigma", "0")
	assert.ErrorContains(t, err, "sigma must be positive")
}

func TestTrimWarmup(t *testing.T) {
	a := &app{logger: zaptest.NewLogger(t)}
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	readings := make([]model.Reading, 200)
	for i := range readings {
		readings[i] = model.Reading{Site: "Tunja", Timestamp: start.Add(time.Duration(i) * time.Hour)}
	}

	assert.Len(t, a.trimWarmup(readings, false), 200)
	trimmed := a.trimWarmup(readings, true)
	require.Len(t, trimmed, 200-168)
	assert.Equal(t, start.Add(168*time.Hour), trimmed[0].Timestamp)
}

func TestRun_RequiresInput(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")

	_, err := execute(t, "run", "--config", cfgPath)
	assert.ErrorContains(t, err, "no input dataset")
}

func TestImpact_NoRuns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "results"), 0o755))
	cfgPath := writeConfig(t, dir, "")

	_, err := execute(t, "impact", "--config", cfgPath)
	assert.ErrorContains(t, err, "no published runs")
}

func TestBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("residual:\n  k: -1\n"), 0o644))

	_, err := execute(t, "impact", "--config", path)
	assert.ErrorContains(t, err, "invalid config")
}
