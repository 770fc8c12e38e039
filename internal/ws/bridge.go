package ws

import (
	"sync"

	"go.uber.org/zap"

	"ghost_energy/internal/pipeline"
)

// Bridge implements pipeline.Observer and broadcasts run progress to the hub.
// It remembers the last completed message for clients that connect later.
type Bridge struct {
	hub    *Hub
	logger *zap.Logger
	topN   int

	mu   sync.RWMutex
	last []byte
}

func NewBridge(hub *Hub, logger *zap.Logger, topN int) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{hub: hub, logger: logger, topN: topN}
}

func (b *Bridge) OnStage(run pipeline.Run, r pipeline.StageReport) {
	msg, err := NewEnvelope(TypeRunStage, StageFromReport(run, r))
	if err != nil {
		b.logger.Error("Marshaling stage report", zap.Error(err))
		return
	}
	b.hub.Broadcast(msg)
}

func (b *Bridge) OnCompleted(_ pipeline.Run, res *pipeline.Result) {
	msg, err := NewEnvelope(TypeRunCompleted, CompletedFromResult(res, b.topN))
	if err != nil {
		b.logger.Error("Marshaling run summary", zap.Error(err))
		return
	}
	b.mu.Lock()
	b.last = msg
	b.mu.Unlock()
	b.hub.Broadcast(msg)
}

// SetLatest replaces the remembered summary without broadcasting it.
func (b *Bridge) SetLatest(p CompletedPayload) error {
	msg, err := NewEnvelope(TypeRunCompleted, p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.last = msg
	b.mu.Unlock()
	return nil
}

// Latest returns the last run:completed message, if any.
func (b *Bridge) Latest() ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.last != nil
}
