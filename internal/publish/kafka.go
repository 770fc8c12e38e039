// Package publish sends events and explanation requests to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ghost_energy/internal/config"
	"ghost_energy/internal/explain"
	"ghost_energy/internal/metrics"
	"ghost_energy/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventMessage is the value published for each event.
type EventMessage struct {
	RunID string `json:"run_id"`
	Rank  int    `json:"rank"`
	model.Event
}

// MarshalJSON flattens the event next to the run fields.
func (m EventMessage) MarshalJSON() ([]byte, error) {
	ev, err := json.Marshal(m.Event)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ev, &fields); err != nil {
		return nil, err
	}
	fields["run_id"], _ = json.Marshal(m.RunID)
	fields["rank"], _ = json.Marshal(m.Rank)
	return json.Marshal(fields)
}

// Publisher writes to the events and explanation topics. Messages are keyed
// by event id so every update of an event lands on one partition.
type Publisher struct {
	writer       messageWriter
	eventsTopic  string
	explainTopic string
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// New creates a publisher over a Kafka writer for cfg.Brokers.
func New(cfg config.KafkaConfig, logger *zap.Logger, m *metrics.Metrics) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newPublisher(w, cfg, logger, m), nil
}

func newPublisher(w messageWriter, cfg config.KafkaConfig, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer:       w,
		eventsTopic:  cfg.EventsTopic,
		explainTopic: cfg.ExplainTopic,
		logger:       logger.With(zap.String("component", "publisher")),
		metrics:      m,
	}
}

// PublishEvents writes the ranked events of one run in a single batch.
func (p *Publisher) PublishEvents(ctx context.Context, runID string, ranked []model.Event) error {
	if len(ranked) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(ranked))
	for i, ev := range ranked {
		value, err := json.Marshal(EventMessage{RunID: runID, Rank: i + 1, Event: ev})
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", ev.ID, err)
		}
		msgs[i] = kafka.Message{
			Topic: p.eventsTopic,
			Key:   []byte(ev.ID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "run_id", Value: []byte(runID)},
			},
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing events: %w", err)
	}
	p.metrics.Published(p.eventsTopic, len(msgs))
	p.logger.Info("Events published",
		zap.String("run_id", runID),
		zap.String("topic", p.eventsTopic),
		zap.Int("count", len(msgs)))
	return nil
}

var _ explain.Sink = (*Publisher)(nil)

// SendExplanation implements explain.Sink.
func (p *Publisher) SendExplanation(ctx context.Context, req explain.Request) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding explanation request %s: %w", req.EventID, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.explainTopic,
		Key:   []byte(req.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(req.RunID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing explanation request: %w", err)
	}
	p.metrics.Published(p.explainTopic, 1)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
