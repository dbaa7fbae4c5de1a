package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dmehra2102/orderflow/pkg/metrics"
)

// Publisher delivers one event to the bus. *Dispatcher implements it.
type Publisher interface {
	Dispatch(ctx context.Context, event Event) error
}

type RelayOption func(*Relay)

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

func WithLease(d time.Duration) RelayOption {
	return func(r *Relay) { r.lease = d }
}

type Relay struct {
	log       *slog.Logger
	store     Store
	publisher Publisher
	relayID   string
	batchSize int
	interval  time.Duration
	lease     time.Duration

	published metric.Int64Counter
	failed    metric.Int64Counter
}

func NewRelay(log *slog.Logger, store Store, publisher Publisher, relayID string, opts ...RelayOption) *Relay {
	meter := metrics.Meter("orderflow/outbox")
	r := &Relay{
		log:       log,
		store:     store,
		publisher: publisher,
		relayID:   relayID,
		batchSize: 100,
		interval:  5 * time.Second,
		lease:     30 * time.Second,
		published: metrics.Counter(meter, "outbox.published", "outbox entries published"),
		failed:    metrics.Counter(meter, "outbox.failed", "outbox publish failures"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.log.Info("relay started", "relay_id", r.relayID, "interval", r.interval, "batch", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			if _, err := r.Tick(ctx); err != nil {
				r.log.Error("relay tick failed", "relay_id", r.relayID, "err", err)
			}
		}
	}
}

// Tick runs one relay pass and returns how many entries were published.
// An entry whose publish fails keeps its place; later entries of the same
// aggregate in the batch are handed back without being published.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	started := time.Now()
	halted := map[string]bool{}
	var sent, held []int64

	for i, ev := range events {
		if ctx.Err() != nil {
			held = append(held, idsOf(events[i:])...)
			break
		}
		agg := ev.AggregateType + "/" + ev.AggregateID
		if halted[agg] {
			held = append(held, ev.ID)
			continue
		}
		if time.Since(started) > r.lease/2 {
			if err := r.store.ExtendLease(ctx, r.relayID, idsOf(events[i:]), r.lease); err != nil {
				r.log.Warn("relay extend lease failed", "relay_id", r.relayID, "err", err)
			}
			started = time.Now()
		}

		if err := r.publisher.Dispatch(ctx, ev); err != nil {
			halted[agg] = true
			r.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
			if merr := r.store.MarkFailed(ctx, ev.ID, err.Error()); merr != nil {
				r.log.Error("relay mark failed error", "id", ev.ID, "err", merr)
			}
			continue
		}
		sent = append(sent, ev.ID)
		r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
	}

	// Entries are marked after the whole pass; a crash before this point
	// republishes them, which consumers absorb by deduplicating on event id.
	if len(sent) > 0 {
		if err := r.store.MarkProcessed(context.WithoutCancel(ctx), sent); err != nil {
			return len(sent), err
		}
	}
	if len(held) > 0 {
		if err := r.store.Release(context.WithoutCancel(ctx), r.relayID, held); err != nil {
			r.log.Warn("relay release failed", "relay_id", r.relayID, "err", err)
		}
	}
	return len(sent), nil
}

func idsOf(events []Event) []int64 {
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}
