// Package sqlite persists published pipeline runs so the API can serve the
// latest complete result.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ghost_energy/internal/impact"
	"ghost_energy/internal/model"
)

var ErrNoRuns = errors.New("no published runs")

// tsLayout keeps the reading's own zone offset so local clock fields survive
// a round trip. Membership keys are normalised to UTC.
const tsLayout = time.RFC3339

// Run is the metadata row of one published run.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Rows        int
	Events      int
	PublishedAt time.Time
}

// Snapshot is everything a run publishes. Events are stored in rank order.
type Snapshot struct {
	Run      Run
	Readings []model.Reading
	Events   []model.Event
	Impact   impact.Report
}

type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_journal=WAL&_sync=NORMAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		event_count INTEGER NOT NULL,
		impact TEXT NOT NULL,
		published_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS readings (
		run_id TEXT NOT NULL,
		site TEXT NOT NULL,
		sector TEXT NOT NULL,
		ts TEXT NOT NULL,
		consumption_kwh REAL NOT NULL,
		occupancy_pct REAL,
		outdoor_temp_c REAL NOT NULL,
		predicted REAL NOT NULL,
		residual REAL NOT NULL,
		residual_anomaly INTEGER NOT NULL,
		outlier_anomaly INTEGER NOT NULL,
		critical_anomaly INTEGER NOT NULL,
		PRIMARY KEY (run_id, site, sector, ts)
	);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		site TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		duration_hours INTEGER NOT NULL,
		total_kwh REAL NOT NULL,
		avg_occupancy REAL,
		category TEXT NOT NULL,
		PRIMARY KEY (run_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS event_readings (
		run_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		site TEXT NOT NULL,
		sector TEXT NOT NULL,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_rank ON events(run_id, rank);
	CREATE INDEX IF NOT EXISTS idx_event_readings_event ON event_readings(run_id, event_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Publish stores a snapshot in one transaction. Readers never observe a
// partially written run.
func (s *DB) Publish(ctx context.Context, snap Snapshot) (err error) {
	impactJSON, err := json.Marshal(snap.Impact)
	if err != nil {
		return fmt.Errorf("encoding impact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning publish: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	run := snap.Run
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, row_count, event_count, impact, published_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(tsLayout), run.FinishedAt.UTC().Format(tsLayout),
		len(snap.Readings), len(snap.Events), string(impactJSON), time.Now().UTC().Format(tsLayout),
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	if err = insertReadings(ctx, tx, run.ID, snap.Readings); err != nil {
		return err
	}
	if err = insertEvents(ctx, tx, run.ID, snap.Events); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing run %s: %w", run.ID, err)
	}
	return nil
}

func insertReadings(ctx context.Context, tx *sql.Tx, runID string, readings []model.Reading) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (
			run_id, site, sector, ts, consumption_kwh, occupancy_pct, outdoor_temp_c,
			predicted, residual, residual_anomaly, outlier_anomaly, critical_anomaly
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing reading insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			runID, r.Site, r.Sector, r.Timestamp.Format(tsLayout),
			r.ConsumptionKWh, nullable(r.OccupancyPct), r.OutdoorTempC,
			r.Predicted, r.Residual, r.ResidualAnomaly, r.OutlierAnomaly, r.CriticalAnomaly,
		); err != nil {
			return fmt.Errorf("inserting reading %s at %s: %w", r.SeriesKey(), r.Timestamp.Format(tsLayout), err)
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, runID string, evs []model.Event) error {
	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			run_id, rank, event_id, site, start_time, end_time,
			duration_hours, total_kwh, avg_occupancy, category
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer eventStmt.Close()

	memberStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO event_readings (run_id, event_id, site, sector, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing membership insert: %w", err)
	}
	defer memberStmt.Close()

	for rank, e := range evs {
		if _, err := eventStmt.ExecContext(ctx,
			runID, rank, e.ID, e.Site, e.Start.Format(tsLayout), e.End.Format(tsLayout),
			e.DurationHours, e.TotalKWh, nullable(e.AvgOccupancy), string(e.Category),
		); err != nil {
			return fmt.Errorf("inserting event %s: %w", e.ID, err)
		}
		for _, r := range e.Readings {
			if _, err := memberStmt.ExecContext(ctx,
				runID, e.ID, r.Site, r.Sector, r.Timestamp.UTC().Format(tsLayout),
			); err != nil {
				return fmt.Errorf("inserting membership of event %s: %w", e.ID, err)
			}
		}
	}
	return nil
}

// LatestRunID returns the id of the most recently published run.
func (s *DB) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY seq DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	if err != nil {
		return "", fmt.Errorf("querying latest run: %w", err)
	}
	return id, nil
}

// Latest loads the most recently published run.
func (s *DB) Latest(ctx context.Context) (*Snapshot, error) {
	id, err := s.LatestRunID(ctx)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, id)
}

// Load reads a complete run by id.
func (s *DB) Load(ctx context.Context, id string) (*Snapshot, error) {
	snap := &Snapshot{}
	var started, finished, published, impactJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, row_count, event_count, impact, published_at FROM runs WHERE id = ?`, id,
	).Scan(&snap.Run.ID, &started, &finished, &snap.Run.Rows, &snap.Run.Events, &impactJSON, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNoRuns)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	snap.Run.StartedAt, _ = time.Parse(tsLayout, started)
	snap.Run.FinishedAt, _ = time.Parse(tsLayout, finished)
	snap.Run.PublishedAt, _ = time.Parse(tsLayout, published)
	if err := json.Unmarshal([]byte(impactJSON), &snap.Impact); err != nil {
		return nil, fmt.Errorf("decoding impact of run %s: %w", id, err)
	}

	if snap.Readings, err = s.loadReadings(ctx, id); err != nil {
		return nil, err
	}
	if snap.Events, err = s.loadEvents(ctx, id, snap.Readings); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *DB) loadReadings(ctx context.Context, runID string) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site, sector, ts, consumption_kwh, occupancy_pct, outdoor_temp_c,
		       predicted, residual, residual_anomaly, outlier_anomaly, critical_anomaly
		FROM readings WHERE run_id = ? ORDER BY site, sector, ts`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		var ts string
		var occ sql.NullFloat64
		if err := rows.Scan(&r.Site, &r.Sector, &ts, &r.ConsumptionKWh, &occ, &r.OutdoorTempC,
			&r.Predicted, &r.Residual, &r.ResidualAnomaly, &r.OutlierAnomaly, &r.CriticalAnomaly); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		if r.Timestamp, err = time.Parse(tsLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing reading timestamp %q: %w", ts, err)
		}
		r.OccupancyPct = fromNullable(occ)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}
	return out, nil
}

func (s *DB) loadEvents(ctx context.Context, runID string, readings []model.Reading) ([]model.Event, error) {
	type key struct {
		site, sector, ts string
	}
	byKey := make(map[key]model.Reading, len(readings))
	for _, r := range readings {
		byKey[key{r.Site, r.Sector, r.Timestamp.UTC().Format(tsLayout)}] = r
	}

	members := make(map[string][]model.Reading)
	mrows, err := s.db.QueryContext(ctx,
		`SELECT event_id, site, sector, ts FROM event_readings WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying event membership: %w", err)
	}
	for mrows.Next() {
		var id string
		var k key
		if err := mrows.Scan(&id, &k.site, &k.sector, &k.ts); err != nil {
			mrows.Close()
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		members[id] = append(members[id], byKey[k])
	}
	mrows.Close()
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("iterating membership: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, site, start_time, end_time, duration_hours, total_kwh, avg_occupancy, category
		FROM events WHERE run_id = ? ORDER BY rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		var e model.Event
		var start, end, category string
		var occ sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.Site, &start, &end, &e.DurationHours, &e.TotalKWh, &occ, &category); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Start, _ = time.Parse(tsLayout, start)
		e.End, _ = time.Parse(tsLayout, end)
		e.AvgOccupancy = fromNullable(occ)
		if e.Category, err = model.ParseCategory(category); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		e.Readings = members[e.ID]
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// Runs lists published runs, newest first.
func (s *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, row_count, event_count, published_at FROM runs ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished, published string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Rows, &r.Events, &published); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt, _ = time.Parse(tsLayout, started)
		r.FinishedAt, _ = time.Parse(tsLayout, finished)
		r.PublishedAt, _ = time.Parse(tsLayout, published)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep runs.
func (s *DB) Prune(ctx context.Context, keep int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning prune: %w", err)
	}
	defer tx.Rollback()

	old := `SELECT id FROM runs ORDER BY seq DESC LIMIT -1 OFFSET ?`
	for _, table := range []string{"event_readings", "events", "readings"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id IN (`+old+`)`, keep); err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+old+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return int(n), nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNullable(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
