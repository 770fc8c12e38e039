package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghost_energy/internal/cache"
	"ghost_energy/internal/config"
	"ghost_energy/internal/explain"
	"ghost_energy/internal/impact"
	"ghost_energy/internal/metrics"
	"ghost_energy/internal/model"
	"ghost_energy/internal/store/sqlite"
)

var t0 = time.Date(2025, 2, 27, 0, 0, 0, 0, time.UTC)

// testSnapshot has site A with readings spanning February and March and one
// critical phantom event, and site B with no anomalies.
func testSnapshot(id string) sqlite.Snapshot {
	var readings []model.Reading
	for h := 0; h < 72; h++ {
		ts := t0.Add(time.Duration(h) * time.Hour)
		readings = append(readings,
			model.Reading{Site: "A", Sector: "lab", Timestamp: ts, ConsumptionKWh: 10, OccupancyPct: 50},
			model.Reading{Site: "B", Timestamp: ts, ConsumptionKWh: 5, OccupancyPct: math.NaN()},
		)
	}
	// 2025-03-01 00:00 and 01:00 for site A
	var members []model.Reading
	for i := range readings {
		r := &readings[i]
		if r.Site == "A" && (r.Timestamp.Equal(t0.Add(48*time.Hour)) || r.Timestamp.Equal(t0.Add(49*time.Hour))) {
			r.ConsumptionKWh = 300
			r.OccupancyPct = 0
			r.ResidualAnomaly, r.OutlierAnomaly, r.CriticalAnomaly = true, true, true
			members = append(members, *r)
		}
	}
	evs := []model.Event{{
		ID: "A_1", Site: "A", Start: t0.Add(48 * time.Hour), End: t0.Add(49 * time.Hour),
		DurationHours: 2, TotalKWh: 600, AvgOccupancy: 0, Category: model.CategoryPhantom, Readings: members,
	}}
	return sqlite.Snapshot{
		Run:      sqlite.Run{ID: id, StartedAt: t0, FinishedAt: t0.Add(time.Minute), Rows: len(readings), Events: 1},
		Readings: readings,
		Events:   evs,
		Impact:   impact.Compute(readings, evs, impact.DefaultConfig()),
	}
}

type fixture struct {
	db      *sqlite.DB
	server  *Server
	handler http.Handler
	metrics *metrics.Metrics
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(context.Background(), config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	if opts.Explain == nil {
		opts.Explain = explain.NewBuilder(impact.DefaultConfig(), "")
	}
	m := metrics.New()
	s := New(db, c, m, zaptest.NewLogger(t), opts)
	return &fixture{db: db, server: s, handler: s.Handler(), metrics: m, mr: mr}
}

func (f *fixture) publish(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.db.Publish(context.Background(), testSnapshot(id)))
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func (f *fixture) getJSON(t *testing.T, path string, want int, v any) {
	t.Helper()
	rec := f.do(t, http.MethodGet, path)
	require.Equal(t, want, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	var body map[string]string
	f.getJSON(t, "/health", http.StatusOK, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestNoPublishedRun(t *testing.T) {
	f := newFixture(t, Options{})
	var body map[string]string
	f.getJSON(t, "/api/sites", http.StatusServiceUnavailable, &body)
	assert.Equal(t, "no published run", body["error"])
}

func TestSites(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var body map[string][]string
	f.getJSON(t, "/api/sites", http.StatusOK, &body)
	assert.Equal(t, []string{"A", "B"}, body["sites"])
}

func TestKPIs(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var k KPIs
	f.getJSON(t, "/api/sites/A/kpis", http.StatusOK, &k)
	assert.Equal(t, "A", k.Site)
	assert.Equal(t, "2025-03", k.Month)
	// 24 March readings: 22 at 10 kWh plus 2 at 300 kWh
	assert.InDelta(t, 22*10+600, k.MonthKWh, 1e-9)
	assert.Equal(t, 2, k.CriticalAnomalies)
	assert.Equal(t, 1, k.Events)

	f.getJSON(t, "/api/sites/Z/kpis", http.StatusNotFound, nil)
}

func TestDailyAndSectors(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var daily []struct {
		Date     string  `json:"date"`
		TotalKWh float64 `json:"total_kwh"`
	}
	f.getJSON(t, "/api/sites/B/daily", http.StatusOK, &daily)
	require.Len(t, daily, 3)
	assert.Equal(t, "2025-02-27", daily[0].Date)
	assert.InDelta(t, 120, daily[0].TotalKWh, 1e-9)

	var sectors []SectorTotal
	f.getJSON(t, "/api/sites/A/sectors", http.StatusOK, &sectors)
	require.Len(t, sectors, 1)
	assert.Equal(t, "lab", sectors[0].Sector)
	assert.InDelta(t, 70*10+600, sectors[0].TotalKWh, 1e-9)
}

func TestAnomaliesNewestFirst(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var rows []map[string]any
	f.getJSON(t, "/api/sites/A/anomalies", http.StatusOK, &rows)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-03-01T01:00:00Z", rows[0]["timestamp"])
	assert.Equal(t, "2025-03-01T00:00:00Z", rows[1]["timestamp"])
	assert.Equal(t, true, rows[0]["is_critical_anomaly"])

	f.getJSON(t, "/api/sites/B/anomalies", http.StatusOK, &rows)
	assert.Empty(t, rows)
}

func TestSiteEvents(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var evs []map[string]any
	f.getJSON(t, "/api/sites/A/events?top=3", http.StatusOK, &evs)
	require.Len(t, evs, 1)
	assert.Equal(t, "A_1", evs[0]["event_id"])
	assert.Equal(t, "Phantom Consumption", evs[0]["category"])

	f.getJSON(t, "/api/sites/B/events", http.StatusOK, &evs)
	assert.Empty(t, evs)

	f.getJSON(t, "/api/sites/A/events?top=zero", http.StatusBadRequest, nil)
	f.getJSON(t, "/api/sites/A/events?top=0", http.StatusBadRequest, nil)
}

func TestExplanation(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var req explain.Request
	f.getJSON(t, "/api/events/A_1/explanation", http.StatusOK, &req)
	assert.Equal(t, "run-1", req.RunID)
	assert.Equal(t, "A_1", req.EventID)
	assert.Contains(t, req.Prompt, "480,000 COP")

	f.getJSON(t, "/api/events/nope/explanation", http.StatusNotFound, nil)
}

func TestImpact(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	var body map[string]any
	f.getJSON(t, "/api/impact", http.StatusOK, &body)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, 600.0, body["total_kwh"])
	assert.Len(t, body["summary"], 7)
}

func TestResponsesAreCachedPerRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")

	f.getJSON(t, "/api/sites", http.StatusOK, nil)
	f.getJSON(t, "/api/sites", http.StatusOK, nil)
	assert.True(t, f.mr.Exists(cache.Key("run-1", "/api/sites")))

	body := scrape(t, f)
	assert.Contains(t, body, "ghost_energy_cache_hits_total 1")
	assert.Contains(t, body, "ghost_energy_cache_misses_total 1")

	// a newer run changes the key and rebuilds the view
	f.publish(t, "run-2")
	var impactBody map[string]any
	f.getJSON(t, "/api/impact", http.StatusOK, &impactBody)
	assert.Equal(t, "run-2", impactBody["run_id"])
	assert.True(t, f.mr.Exists(cache.Key("run-2", "/api/impact")))
}

func TestCacheFailureStillServes(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")
	f.mr.Close()

	f.getJSON(t, "/api/sites", http.StatusOK, nil)
}

func TestRequestMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	f.publish(t, "run-1")
	f.getJSON(t, "/api/sites/Z/kpis", http.StatusNotFound, nil)

	assert.Contains(t, scrape(t, f), `ghost_energy_http_requests_total{route="/api/sites/{site}/kpis",status="404"} 1`)
}

func scrape(t *testing.T, f *fixture) string {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRun(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, Options{})
		assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodPost, "/api/runs").Code)
	})

	t.Run("publishes a new run", func(t *testing.T) {
		var f *fixture
		var calls atomic.Int32
		f = newFixture(t, Options{Runner: func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "run-9", f.db.Publish(ctx, testSnapshot("run-9"))
		}})

		rec := f.do(t, http.MethodPost, "/api/runs")
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"run_id":"run-9"}`, rec.Body.String())
		assert.EqualValues(t, 1, calls.Load())

		var body map[string]any
		f.getJSON(t, "/api/impact", http.StatusOK, &body)
		assert.Equal(t, "run-9", body["run_id"])
	})

	t.Run("failure", func(t *testing.T) {
		f := newFixture(t, Options{Runner: func(context.Context) (string, error) {
			return "", errors.New("outlier stage: null feature value")
		}})
		var body map[string]string
		rec := f.do(t, http.MethodPost, "/api/runs")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body["error"], "outlier stage")
	})

	t.Run("rejects concurrent runs", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		f := newFixture(t, Options{Runner: func(context.Context) (string, error) {
			close(started)
			<-release
			return "run-1", nil
		}})

		done := make(chan int)
		go func() { done <- f.do(t, http.MethodPost, "/api/runs").Code }()
		<-started
		assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/runs").Code)
		close(release)
		assert.Equal(t, http.StatusCreated, <-done)
	})

	t.Run("method not allowed", func(t *testing.T) {
		f := newFixture(t, Options{})
		assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/runs").Code)
	})
}
