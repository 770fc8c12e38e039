// Package api serves the latest published run to dashboards over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ghost_energy/internal/cache"
	"ghost_energy/internal/explain"
	"ghost_energy/internal/metrics"
	"ghost_energy/internal/model"
	"ghost_energy/internal/store"
	"ghost_energy/internal/store/sqlite"
)

// Source is the published-run store the API reads from.
type Source interface {
	LatestRunID(ctx context.Context) (string, error)
	Load(ctx context.Context, id string) (*sqlite.Snapshot, error)
}

// Runner executes and publishes a new run, returning its id.
type Runner func(ctx context.Context) (string, error)

type Options struct {
	AllowedOrigins []string
	DefaultTop     int
	Explain        *explain.Builder
	Runner         Runner
	Websocket      http.Handler
}

// Server answers API requests from an in-memory view of the latest run.
// The view is rebuilt whenever a newer run is published.
type Server struct {
	source  Source
	cache   cache.Cache
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	mu   sync.Mutex
	view *view

	running sync.Mutex
}

type view struct {
	snap   *sqlite.Snapshot
	store  *store.Store
	events map[string]model.Event
	sites  map[string]bool
}

func newView(snap *sqlite.Snapshot) *view {
	v := &view{
		snap:   snap,
		store:  store.FromReadings(snap.Readings),
		events: make(map[string]model.Event, len(snap.Events)),
		sites:  make(map[string]bool),
	}
	for _, ev := range snap.Events {
		v.events[ev.ID] = ev
	}
	for _, site := range v.store.Sites() {
		v.sites[site] = true
	}
	return v
}

func New(source Source, c cache.Cache, m *metrics.Metrics, logger *zap.Logger, opts Options) *Server {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultTop <= 0 {
		opts.DefaultTop = 5
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{source: source, cache: c, metrics: m, logger: logger, opts: opts}
}

// Handler returns the routed handler with CORS and panic recovery applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(path, h)).Methods(methods...)
	}

	route("/health", s.handleHealth, http.MethodGet)
	route("/api/sites", s.cached(s.sites), http.MethodGet)
	route("/api/sites/{site}/kpis", s.cached(s.kpis), http.MethodGet)
	route("/api/sites/{site}/daily", s.cached(s.daily), http.MethodGet)
	route("/api/sites/{site}/sectors", s.cached(s.sectors), http.MethodGet)
	route("/api/sites/{site}/anomalies", s.cached(s.anomalies), http.MethodGet)
	route("/api/sites/{site}/events", s.cached(s.siteEvents), http.MethodGet)
	route("/api/events/{id}/explanation", s.cached(s.explanation), http.MethodGet)
	route("/api/impact", s.cached(s.impact), http.MethodGet)
	route("/api/runs", s.handleRun, http.MethodPost)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	if s.opts.Websocket != nil {
		r.Handle("/ws", s.opts.Websocket)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.opts.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.logger)))
	return recovery(cors(r))
}

// current returns the view of the latest published run.
func (s *Server) current(ctx context.Context) (*view, error) {
	id, err := s.source.LatestRunID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != nil && s.view.snap.Run.ID == id {
		return s.view, nil
	}
	snap, err := s.source.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.view = newView(snap)
	s.logger.Info("Loaded published run",
		zap.String("run_id", id),
		zap.Int("rows", len(snap.Readings)),
		zap.Int("events", len(snap.Events)))
	return s.view, nil
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func notFound(msg string) error   { return &httpError{status: http.StatusNotFound, msg: msg} }
func badRequest(msg string) error { return &httpError{status: http.StatusBadRequest, msg: msg} }

// cached serves fn's JSON result through the response cache, keyed by run id
// and request URI.
func (s *Server) cached(fn func(r *http.Request, v *view) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.current(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}

		key := cache.Key(v.snap.Run.ID, r.URL.RequestURI())
		if body, ok, err := s.cache.Get(r.Context(), key); err == nil && ok {
			s.metrics.CacheHit()
			writeBody(w, http.StatusOK, body)
			return
		}
		s.metrics.CacheMiss()

		resp, err := fn(r, v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		body, err := json.Marshal(resp)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.cache.Set(r.Context(), key, body); err != nil {
			s.logger.Warn("Caching response failed", zap.String("key", key), zap.Error(err))
		}
		writeBody(w, http.StatusOK, body)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	var he *httpError
	switch {
	case errors.As(err, &he):
		status, msg = he.status, he.msg
	case errors.Is(err, sqlite.ErrNoRuns):
		status, msg = http.StatusServiceUnavailable, "no published run"
	default:
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
