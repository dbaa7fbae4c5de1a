package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/logging"
)

type recordingProducer struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	failFor map[string]int
}

func (p *recordingProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return err
		}
		if p.failFor[env.EventID] > 0 {
			p.failFor[env.EventID]--
			return errors.New("broker unavailable")
		}
		p.msgs = append(p.msgs, m)
	}
	return nil
}

func (p *recordingProducer) eventIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, m := range p.msgs {
		var env Envelope
		_ = json.Unmarshal(m.Value, &env)
		ids = append(ids, env.EventID)
	}
	return ids
}

func newEvent(t *testing.T, aggID, typ string) Event {
	t.Helper()
	ev, err := NewEvent(context.Background(), "inventory", aggID, typ, map[string]any{"product_id": aggID}, time.Now())
	require.NoError(t, err)
	return ev
}

func setup(t *testing.T) (*MemoryStore, *recordingProducer, *Relay, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(fake)
	producer := &recordingProducer{failFor: map[string]int{}}
	log := logging.Discard()
	relay := NewRelay(log, store, NewDispatcher(log, producer, "orderflow"), "relay-1", WithBatchSize(10), WithLease(time.Minute))
	return store, producer, relay, fake
}

func TestTickPublishesAndMarksProcessed(t *testing.T) {
	store, producer, relay, _ := setup(t)
	a := newEvent(t, "p-1", "StockReserved")
	b := newEvent(t, "p-2", "StockUpdated")
	store.Append(a, b)

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{a.EventID, b.EventID}, producer.eventIDs())

	for _, ev := range store.Events() {
		assert.True(t, ev.Processed)
		assert.NotNil(t, ev.ProcessedAt)
	}

	msg := producer.msgs[0]
	assert.Equal(t, "orderflow.stock-reserved", msg.Topic)
	assert.Equal(t, "p-1", string(msg.Key))

	n, err = relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedEntryIsRetriedAndKeepsAggregateOrder(t *testing.T) {
	store, producer, relay, _ := setup(t)
	first := newEvent(t, "p-1", "StockReserved")
	second := newEvent(t, "p-1", "StockConfirmed")
	other := newEvent(t, "p-2", "StockUpdated")
	store.Append(first, second, other)
	producer.failFor[first.EventID] = 1

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{other.EventID}, producer.eventIDs())

	evs := store.Events()
	assert.False(t, evs[0].Processed)
	require.NotNil(t, evs[0].LastError)
	assert.Equal(t, "broker unavailable", *evs[0].LastError)
	assert.Equal(t, 1, evs[0].Attempts)
	assert.False(t, evs[1].Processed)
	assert.Zero(t, evs[1].Attempts)

	n, err = relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{other.EventID, first.EventID, second.EventID}, producer.eventIDs())
	for _, ev := range store.Events() {
		assert.True(t, ev.Processed)
	}
}

func TestLeasedEntriesAreRedeliveredAfterCrash(t *testing.T) {
	store, producer, relay, fake := setup(t)
	ev := newEvent(t, "p-1", "StockReserved")
	store.Append(ev)

	// a relay that leased the batch and died before publishing
	leased, err := store.LockBatch(context.Background(), "crashed-relay", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	n, err := relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "entry is still leased by the crashed relay")

	fake.Advance(31 * time.Second)
	n, err = relay.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{ev.EventID}, producer.eventIDs())
}

func TestLeaseOfOlderEntryBlocksSameAggregate(t *testing.T) {
	store, _, _, _ := setup(t)
	store.Append(newEvent(t, "p-1", "StockReserved"))
	_, err := store.LockBatch(context.Background(), "relay-a", 1, time.Minute)
	require.NoError(t, err)

	store.Append(newEvent(t, "p-1", "StockConfirmed"), newEvent(t, "p-2", "StockUpdated"))
	got, err := store.LockBatch(context.Background(), "relay-b", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p-2", got[0].AggregateID)
}

func TestRunStopsOnCancel(t *testing.T) {
	store, producer, _, _ := setup(t)
	log := logging.Discard()
	relay := NewRelay(log, store, NewDispatcher(log, producer, ""), "relay-1", WithInterval(5*time.Millisecond))
	store.Append(newEvent(t, "p-1", "LowStockAlert"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(producer.eventIDs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, "low-stock-alert", producer.msgs[0].Topic)
}

func TestTopicFor(t *testing.T) {
	cases := map[string]string{
		"StockReserved":      "orderflow.stock-reserved",
		"LowStockAlert":      "orderflow.low-stock-alert",
		"SagaFailed":         "orderflow.saga-failed",
		"ReservationExpired": "orderflow.reservation-expired",
		"OrderConfirmed":     "orderflow.order-confirmed",
	}
	for in, want := range cases {
		assert.Equal(t, want, TopicFor("orderflow", in), in)
	}
	assert.Equal(t, "payment-refunded", TopicFor("", "PaymentRefunded"))
}

func TestDispatcherMessageHeaders(t *testing.T) {
	d := NewDispatcher(logging.Discard(), &recordingProducer{}, "orderflow")
	ev := newEvent(t, "o-1", "OrderCancelled")
	ev.Traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ev.Headers = map[string]string{"source": "order-service"}

	msg, err := d.Message(ev)
	require.NoError(t, err)

	got := map[string]string{}
	for _, h := range msg.Headers {
		got[h.Key] = string(h.Value)
	}
	assert.Equal(t, ev.EventID, got["event_id"])
	assert.Equal(t, "OrderCancelled", got["event_type"])
	assert.Equal(t, "order-service", got["source"])
	assert.Equal(t, ev.Traceparent, got["traceparent"])

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, "o-1", env.AggregateID)
	assert.JSONEq(t, `{"product_id":"o-1"}`, string(env.Payload))
}
