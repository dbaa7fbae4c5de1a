package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/pkg/tracing"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher struct {
	log         *slog.Logger
	producer    Producer
	topicPrefix string
	tracer      trace.Tracer
}

func NewDispatcher(log *slog.Logger, producer Producer, topicPrefix string) *Dispatcher {
	return &Dispatcher{
		log:         log,
		producer:    producer,
		topicPrefix: topicPrefix,
		tracer:      otel.Tracer("outbox-dispatcher"),
	}
}

// Message builds the bus message for event. The key is the aggregate id so
// one aggregate always lands on one partition.
func (d *Dispatcher) Message(event Event) (kafka.Message, error) {
	value, err := json.Marshal(event.Envelope())
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}

	headers := make([]kafka.Header, 0, len(event.Headers)+4)
	for k, v := range event.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: "event_id", Value: []byte(event.EventID)},
		kafka.Header{Key: "event_type", Value: []byte(event.Type)},
		kafka.Header{Key: "aggregate_type", Value: []byte(event.AggregateType)},
	)
	if event.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: tracing.TraceparentHeader, Value: []byte(event.Traceparent)})
	}

	return kafka.Message{
		Topic:   TopicFor(d.topicPrefix, event.Type),
		Key:     []byte(event.AggregateID),
		Value:   value,
		Headers: headers,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	ctx = tracing.ContextFromTraceparent(ctx, event.Traceparent)
	ctx, span := d.tracer.Start(ctx, "outbox.publish "+event.Type, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("aggregate.id", event.AggregateID),
	)

	msg, err := d.Message(event)
	if err != nil {
		return err
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		d.log.ErrorContext(ctx, "outbox dispatch failed", "event_id", event.EventID, "type", event.Type, "err", err)
		return err
	}
	d.log.DebugContext(ctx, "outbox dispatched", "event_id", event.EventID, "type", event.Type, "topic", msg.Topic)
	return nil
}
