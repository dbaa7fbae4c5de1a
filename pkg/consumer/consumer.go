// Package consumer reads outbox envelopes from kafka and hands each event
// to a handler once per consumer group. An event is marked handled only
// after its handler returns, so a crash in between means a redelivery,
// never a loss.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Deduper is satisfied by *idempotency.Store.
type Deduper interface {
	// Seen reports whether eventID was marked. It does not mark it.
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Handler func(ctx context.Context, env outbox.Envelope) error

type Option func(*Consumer)

func WithRetries(attempts int, backoff time.Duration) Option {
	return func(c *Consumer) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

type Consumer struct {
	log      *slog.Logger
	reader   Reader
	dedup    Deduper
	handle   Handler
	tracer   trace.Tracer
	attempts int
	backoff  time.Duration
	// maxBackoff caps the wait between dedup store retries.
	maxBackoff time.Duration
}

func NewReader(brokers []string, group string, topics []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
}

func New(log *slog.Logger, reader Reader, dedup Deduper, handle Handler, opts ...Option) *Consumer {
	c := &Consumer{
		log:        log,
		reader:     reader,
		dedup:      dedup,
		handle:     handle,
		tracer:     otel.Tracer("outbox-consumer"),
		attempts:   3,
		backoff:    200 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes until ctx is cancelled. It stops with an error if a message
// could not be settled, since committing a later offset would skip it.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer stopping")
				return nil
			}
			return err
		}
		if err := c.Process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("offset %d of %s: %w", msg.Offset, msg.Topic, err)
		}
	}
}

// Process handles one message and commits it. A message whose handler
// keeps failing is logged and committed unmarked so one bad event cannot
// stall the partition. While the dedup store is unreachable Process waits
// for it; nothing is committed until it answers.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) error {
	var env outbox.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.EventID == "" {
		c.log.Error("undecodable message skipped", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		return c.reader.CommitMessages(ctx, msg)
	}

	var seen bool
	if err := c.untilDedup(ctx, "idempotency check failed", env.EventID, func(ctx context.Context) error {
		var err error
		seen, err = c.dedup.Seen(ctx, env.EventID)
		return err
	}); err != nil {
		return err
	}
	if seen {
		c.log.Info("duplicate event skipped", "event_id", env.EventID, "type", env.Type)
		return c.reader.CommitMessages(ctx, msg)
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "consume "+env.Type, trace.WithAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("event.id", env.EventID),
	))
	herr := c.handleWithRetry(msgCtx, env)
	span.End()

	if herr != nil {
		if errors.Is(herr, context.Canceled) {
			return herr
		}
		c.log.Error("event handling failed, skipping", "event_id", env.EventID, "type", env.Type, "err", herr)
		return c.reader.CommitMessages(ctx, msg)
	}

	if err := c.untilDedup(ctx, "idempotency mark failed", env.EventID, func(ctx context.Context) error {
		return c.dedup.Mark(ctx, env.EventID)
	}); err != nil {
		return err
	}
	return c.reader.CommitMessages(ctx, msg)
}

// untilDedup retries fn with capped backoff until it succeeds or ctx ends.
func (c *Consumer) untilDedup(ctx context.Context, msg, eventID string, fn func(ctx context.Context) error) error {
	wait := c.backoff
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		c.log.Error(msg, "event_id", eventID, "retry_in", wait, "err", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, env outbox.Envelope) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.handle(ctx, env); err == nil {
			return nil
		}
		if attempt == c.attempts {
			break
		}
		t := time.NewTimer(c.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
