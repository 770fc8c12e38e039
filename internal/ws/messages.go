package ws

import (
	"encoding/json"
	"time"

	"ghost_energy/internal/model"
	"ghost_energy/internal/pipeline"
	"ghost_energy/internal/store/sqlite"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types
const (
	// Client -> Server
	TypeRunRequestLatest = "run:request_latest"

	// Server -> Client
	TypeRunStage     = "run:stage"
	TypeRunCompleted = "run:completed"
	TypeRunNone      = "run:none"
)

// Server -> Client messages

type StagePayload struct {
	RunID      string  `json:"run_id"`
	Stage      string  `json:"stage"`
	DurationMS float64 `json:"duration_ms"`
	Rows       int     `json:"rows"`
	Flagged    int     `json:"flagged"`
}

type CompletedPayload struct {
	RunID      string        `json:"run_id"`
	StartedAt  string        `json:"started_at"`
	FinishedAt string        `json:"finished_at"`
	Rows       int           `json:"rows"`
	Events     int           `json:"events"`
	TotalKWh   float64       `json:"total_kwh"`
	CO2Kg      float64       `json:"co2_kg"`
	Cost       string        `json:"cost"`
	TopEvents  []model.Event `json:"top_events"`
}

func StageFromReport(run pipeline.Run, r pipeline.StageReport) StagePayload {
	return StagePayload{
		RunID:      run.ID,
		Stage:      r.Stage,
		DurationMS: float64(r.Duration) / float64(time.Millisecond),
		Rows:       r.Rows,
		Flagged:    r.Flagged,
	}
}

// CompletedFromResult summarizes res with its first topN ranked events.
func CompletedFromResult(res *pipeline.Result, topN int) CompletedPayload {
	top := res.Events
	if topN >= 0 && len(top) > topN {
		top = top[:topN]
	}
	return CompletedPayload{
		RunID:      res.Run.ID,
		StartedAt:  res.Run.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt: res.FinishedAt.UTC().Format(time.RFC3339),
		Rows:       res.Dataset.Len(),
		Events:     len(res.Events),
		TotalKWh:   res.Impact.TotalKWh,
		CO2Kg:      res.Impact.CO2Kg,
		Cost:       res.Impact.Cost.String(),
		TopEvents:  append([]model.Event{}, top...),
	}
}

// CompletedFromSnapshot summarizes a run loaded from the event store.
func CompletedFromSnapshot(snap *sqlite.Snapshot, topN int) CompletedPayload {
	return CompletedFromResult(&pipeline.Result{
		Run:        pipeline.Run{ID: snap.Run.ID, StartedAt: snap.Run.StartedAt},
		FinishedAt: snap.Run.FinishedAt,
		Dataset:    model.Dataset{Readings: snap.Readings},
		Events:     snap.Events,
		Impact:     snap.Impact,
	}, topN)
}

// NewEnvelope creates a JSON-encoded envelope with the given type and payload.
func NewEnvelope(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return json.Marshal(env)
}
