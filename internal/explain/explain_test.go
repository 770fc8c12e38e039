package explain

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghost_energy/internal/impact"
	"ghost_energy/internal/model"
)

var evStart = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func phantomEvent(id string, kwh float64) model.Event {
	return model.Event{
		ID: id, Site: "Tunja", Start: evStart, End: evStart.Add(4 * time.Hour),
		DurationHours: 5, TotalKWh: kwh, AvgOccupancy: 2.5, Category: model.CategoryPhantom,
	}
}

type memorySink struct {
	reqs []Request
	err  error
}

func (m *memorySink) SendExplanation(_ context.Context, req Request) error {
	if m.err != nil {
		return m.err
	}
	m.reqs = append(m.reqs, req)
	return nil
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(impact.DefaultConfig(), "")
	req, err := b.Build("run-1", phantomEvent("Tunja_1", 2500))
	require.NoError(t, err)

	assert.Equal(t, "run-1", req.RunID)
	assert.Equal(t, "Tunja_1", req.EventID)
	assert.Equal(t, "2025-03-10T04:00:00Z", req.End)
	assert.Equal(t, "2000000 COP", req.Cost.String())
	require.NotNil(t, req.AvgOccupancy)
	assert.Equal(t, 2.5, *req.AvgOccupancy)
	assert.Equal(t, DefaultLanguage, req.Language)

	assert.Contains(t, req.Prompt, "- Location: Tunja")
	assert.Contains(t, req.Prompt, "Phantom Consumption (Duration: 5h)")
	assert.Contains(t, req.Prompt, "- Wasted energy: 2500 kWh")
	assert.Contains(t, req.Prompt, "- Cost: 2,000,000 COP")
	assert.Contains(t, req.Prompt, "- Occupancy: 2.5%")
	assert.Contains(t, req.Prompt, "LANGUAGE: Spanish (Colombia).")
}

func TestBuilder_UnknownOccupancy(t *testing.T) {
	ev := phantomEvent("Tunja_1", 10)
	ev.AvgOccupancy = math.NaN()

	req, err := NewBuilder(impact.DefaultConfig(), "English").Build("r", ev)
	require.NoError(t, err)
	assert.Nil(t, req.AvgOccupancy)
	assert.Contains(t, req.Prompt, "- Occupancy: unknown")
	assert.Contains(t, req.Prompt, "LANGUAGE: English.")
}

func TestGroupThousands(t *testing.T) {
	tests := map[string]string{
		"0":        "0",
		"800":      "800",
		"8000":     "8,000",
		"123456":   "123,456",
		"2000000":  "2,000,000",
		"-1234567": "-1,234,567",
	}
	for in, want := range tests {
		assert.Equal(t, want, groupThousands(in), in)
	}
}

func TestDispatcher_TopN(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(NewBuilder(impact.DefaultConfig(), ""), sink, 1000, 10, 2, zaptest.NewLogger(t))
	ranked := []model.Event{phantomEvent("A_1", 30), phantomEvent("A_2", 20), phantomEvent("A_3", 10)}

	n, err := d.Dispatch(context.Background(), "run-1", ranked)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.reqs, 2)
	assert.Equal(t, "A_1", sink.reqs[0].EventID)
	assert.Equal(t, "A_2", sink.reqs[1].EventID)

	n, err = d.Dispatch(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_SinkError(t *testing.T) {
	boom := errors.New("broker down")
	d := NewDispatcher(NewBuilder(impact.DefaultConfig(), ""), &memorySink{err: boom}, 1000, 10, 5, zaptest.NewLogger(t))

	n, err := d.Dispatch(context.Background(), "run-1", []model.Event{phantomEvent("A_1", 1)})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestDispatcher_Throttled(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(NewBuilder(impact.DefaultConfig(), ""), sink, 0.001, 1, 5, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	n, err := d.Dispatch(ctx, "run-1", []model.Event{phantomEvent("A_1", 2), phantomEvent("A_2", 1)})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.reqs, 1)
}

func TestLogSink(t *testing.T) {
	req, err := NewBuilder(impact.DefaultConfig(), "").Build("r", phantomEvent("A_1", 1))
	require.NoError(t, err)
	assert.NoError(t, LogSink{Logger: zaptest.NewLogger(t)}.SendExplanation(context.Background(), req))
}
