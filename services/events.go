// services/events.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// LifecycleEvent is published after every applied transition and settlement batch.
type LifecycleEvent struct {
	Type         string    `json:"type"`
	TournamentID string    `json:"tournament_id"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// EventPublisher delivers lifecycle events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher writes events keyed by tournament id so one tournament's
// events stay ordered on a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher returns a Kafka publisher, or a no-op publisher when no
// brokers are configured.
func NewEventPublisher(cfg KafkaConfig) (EventPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return NoopPublisher{}, nil
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev LifecycleEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TournamentID),
		Value: value,
		Time:  ev.At,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// publish logs and swallows delivery failures.
func publish(ctx context.Context, p EventPublisher, ev LifecycleEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Printf("⚠️ [EVENTS] publish %s for %s failed: %v", ev.Type, ev.TournamentID, err)
	}
}
