package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ghost_energy/internal/events"
	"ghost_energy/internal/impact"
	"ghost_energy/internal/model"
	"ghost_energy/internal/store"
)

type KPIs struct {
	Site              string  `json:"site"`
	Month             string  `json:"month"`
	MonthKWh          float64 `json:"month_kwh"`
	CriticalAnomalies int     `json:"critical_anomalies"`
	Events            int     `json:"events"`
}

type SectorTotal struct {
	Sector   string  `json:"sector"`
	TotalKWh float64 `json:"total_kwh"`
}

type ImpactResponse struct {
	RunID string `json:"run_id"`
	impact.Report
	Summary []string `json:"summary"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) sites(_ *http.Request, v *view) (any, error) {
	return map[string][]string{"sites": v.store.Sites()}, nil
}

func siteParam(r *http.Request, v *view) (string, error) {
	site := mux.Vars(r)["site"]
	if !v.sites[site] {
		return "", notFound("unknown site " + site)
	}
	return site, nil
}

// kpis reports the site's consumption over the latest calendar month in the
// data along with run-wide anomaly and event counts.
func (s *Server) kpis(r *http.Request, v *view) (any, error) {
	site, err := siteParam(r, v)
	if err != nil {
		return nil, err
	}
	readings := v.store.SiteReadings(site)
	k := KPIs{Site: site}
	if len(readings) > 0 {
		k.Month = readings[len(readings)-1].Timestamp.Format("2006-01")
	}
	for _, rd := range readings {
		if rd.Timestamp.Format("2006-01") == k.Month {
			k.MonthKWh += rd.ConsumptionKWh
		}
		if rd.CriticalAnomaly {
			k.CriticalAnomalies++
		}
	}
	for _, ev := range v.snap.Events {
		if ev.Site == site {
			k.Events++
		}
	}
	return k, nil
}

func (s *Server) daily(r *http.Request, v *view) (any, error) {
	site, err := siteParam(r, v)
	if err != nil {
		return nil, err
	}
	totals := v.store.DailyTotals(site)
	if totals == nil {
		totals = []store.DailyTotal{}
	}
	return totals, nil
}

func (s *Server) sectors(r *http.Request, v *view) (any, error) {
	site, err := siteParam(r, v)
	if err != nil {
		return nil, err
	}
	out := []SectorTotal{}
	for _, key := range v.store.Series() {
		if key.Site != site {
			continue
		}
		t := SectorTotal{Sector: key.Sector}
		if tr, ok := v.store.TimeRange(key); ok {
			for _, rd := range v.store.ReadingsInRange(key, tr.Start, tr.End.Add(time.Nanosecond)) {
				t.TotalKWh += rd.ConsumptionKWh
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// anomalies lists the site's critical readings, newest first.
func (s *Server) anomalies(r *http.Request, v *view) (any, error) {
	site, err := siteParam(r, v)
	if err != nil {
		return nil, err
	}
	out := []model.Reading{}
	for _, rd := range v.store.SiteReadings(site) {
		if rd.CriticalAnomaly {
			out = append(out, rd)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *Server) siteEvents(r *http.Request, v *view) (any, error) {
	site, err := siteParam(r, v)
	if err != nil {
		return nil, err
	}
	top := s.opts.DefaultTop
	if q := r.URL.Query().Get("top"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			return nil, badRequest("top must be a positive integer")
		}
		top = n
	}
	return events.TopN(v.snap.Events, site, top), nil
}

func (s *Server) explanation(r *http.Request, v *view) (any, error) {
	if s.opts.Explain == nil {
		return nil, &httpError{status: http.StatusNotImplemented, msg: "explanations are not configured"}
	}
	id := mux.Vars(r)["id"]
	ev, ok := v.events[id]
	if !ok {
		return nil, notFound("unknown event " + id)
	}
	return s.opts.Explain.Build(v.snap.Run.ID, ev)
}

func (s *Server) impact(_ *http.Request, v *view) (any, error) {
	return ImpactResponse{RunID: v.snap.Run.ID, Report: v.snap.Impact, Summary: v.snap.Impact.Summary()}, nil
}

// handleRun executes a new run. Only one run proceeds at a time.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		s.writeError(w, &httpError{status: http.StatusNotImplemented, msg: "no runner configured"})
		return
	}
	if !s.running.TryLock() {
		s.writeError(w, &httpError{status: http.StatusConflict, msg: "a run is already in progress"})
		return
	}
	defer s.running.Unlock()

	id, err := s.opts.Runner(r.Context())
	if err != nil {
		s.logger.Error("Run requested over API failed", zap.Error(err))
		var he *httpError
		if !errors.As(err, &he) {
			err = &httpError{status: http.StatusInternalServerError, msg: "run failed: " + err.Error()}
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": id})
}
