// Package events publishes settlement outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/property-exchange/internal/types"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// SettlementEvent describes the final state of one settlement attempt
type SettlementEvent struct {
	AttemptID     string                `json:"attemptId"`
	PropertyID    string                `json:"propertyId"`
	HolderID      string                `json:"holderId"`
	Side          types.TradeSide       `json:"side"`
	TokenAmount   int64                 `json:"tokenAmount"`
	PricePerToken decimal.Decimal       `json:"pricePerToken"`
	State         types.SettlementState `json:"state"`
	SettlementRef string                `json:"settlementRef,omitempty"`
	ErrorCode     string                `json:"errorCode,omitempty"`
	OccurredAt    time.Time             `json:"occurredAt"`
}

// Publisher emits settlement events
type Publisher interface {
	Publish(ctx context.Context, event SettlementEvent) error
	Close() error
}

// messageWriter is the part of kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by property
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish writes one event. Events of a property share a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event SettlementEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode settlement event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.PropertyID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("failed to publish settlement event %s: %w", event.AttemptID, err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, SettlementEvent) error { return nil }
func (NoopPublisher) Close() error                                   { return nil }

// RecordingPublisher keeps events in memory
type RecordingPublisher struct {
	mu     sync.Mutex
	events []SettlementEvent
}

// Publish stores the event
func (p *RecordingPublisher) Publish(_ context.Context, event SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Close is a no-op
func (p *RecordingPublisher) Close() error { return nil }

// Events returns a copy of everything published
func (p *RecordingPublisher) Events() []SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SettlementEvent(nil), p.events...)
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = NoopPublisher{}
	_ Publisher = (*RecordingPublisher)(nil)
)
