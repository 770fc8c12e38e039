package explain

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ghost_energy/internal/model"
)

// Sink delivers explanation requests.
type Sink interface {
	SendExplanation(ctx context.Context, req Request) error
}

// LogSink logs requests instead of delivering them.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) SendExplanation(_ context.Context, req Request) error {
	s.Logger.Info("Explanation request",
		zap.String("run_id", req.RunID),
		zap.String("event_id", req.EventID),
		zap.String("site", req.Site),
		zap.String("category", string(req.Category)),
		zap.String("cost", req.Cost.String()))
	return nil
}

// Dispatcher sends requests for the top ranked events, throttled by a token
// bucket so the downstream advisor is not flooded.
type Dispatcher struct {
	builder *Builder
	sink    Sink
	limiter *rate.Limiter
	topN    int
	logger  *zap.Logger
}

func NewDispatcher(builder *Builder, sink Sink, perSecond float64, burst, topN int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		builder: builder,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		topN:    topN,
		logger:  logger,
	}
}

// Dispatch sends one request per event for the first topN of ranked and
// returns how many were sent. It stops at the first failure.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, ranked []model.Event) (int, error) {
	n := max(min(d.topN, len(ranked)), 0)
	for i := 0; i < n; i++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return i, fmt.Errorf("waiting for rate limiter: %w", err)
		}
		req, err := d.builder.Build(runID, ranked[i])
		if err != nil {
			return i, err
		}
		if err := d.sink.SendExplanation(ctx, req); err != nil {
			return i, fmt.Errorf("sending explanation for %s: %w", req.EventID, err)
		}
	}
	d.logger.Info("Explanation requests dispatched", zap.String("run_id", runID), zap.Int("count", n))
	return n, nil
}
