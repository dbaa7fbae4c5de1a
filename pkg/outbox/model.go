package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/orderflow/pkg/tracing"
)

// Event is one outbox row. ID is the storage sequence; EventID is the
// identity consumers deduplicate on.
type Event struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	OccurredAt    time.Time
	CreatedAt     time.Time
	Processed     bool
	ProcessedAt   *time.Time
	Attempts      int
	LastError     *string
}

// Envelope is the message body published for every event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent marshals payload and stamps a fresh event id. The traceparent of
// ctx is kept so the relay can continue the trace when it publishes.
func NewEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, occurredAt time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		EventID:       uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       body,
		Headers:       map[string]string{},
		Traceparent:   tracing.Traceparent(ctx),
		OccurredAt:    occurredAt.UTC(),
	}, nil
}

func (e Event) Envelope() Envelope {
	return Envelope{
		EventID:       e.EventID,
		Type:          e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		OccurredAt:    e.OccurredAt,
		Payload:       json.RawMessage(e.Payload),
	}
}
