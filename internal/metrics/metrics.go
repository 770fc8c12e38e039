// Package metrics exposes pipeline and API instrumentation to Prometheus.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ghost_energy"

type Metrics struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	rows          prometheus.Gauge
	flagged       *prometheus.GaugeVec
	events        *prometheus.GaugeVec
	wasteKWh      prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	published    *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		rows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_rows",
			Help:      "Readings in the last run.",
		}),
		flagged: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flagged_readings",
			Help:      "Readings flagged in the last run by detector.",
		}, []string{"detector"}),
		events: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events",
			Help:      "Events in the last run by category.",
		}, []string{"category"}),
		wasteKWh: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waste_kwh",
			Help:      "Total kWh of events in the last run.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "API cache hits.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "API cache misses.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_messages_total",
			Help:      "Messages handed to the broker by topic.",
		}, []string{"topic"}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) SetRows(n int) {
	if m == nil {
		return
	}
	m.rows.Set(float64(n))
}

func (m *Metrics) SetFlagged(detector string, n int) {
	if m == nil {
		return
	}
	m.flagged.WithLabelValues(detector).Set(float64(n))
}

// SetEvents replaces the per-category event gauges.
func (m *Metrics) SetEvents(byCategory map[string]int, totalKWh float64) {
	if m == nil {
		return
	}
	m.events.Reset()
	for c, n := range byCategory {
		m.events.WithLabelValues(c).Set(float64(n))
	}
	m.wasteKWh.Set(totalKWh)
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) Published(topic string, n int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests served by next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
