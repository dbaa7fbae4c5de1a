package memory

import (
	"context"
	"sync"

	"github.com/dmehra2102/orderflow/internal/payment/application"
	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Repository struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	outbox   *outbox.MemoryStore
}

func NewRepository(ob *outbox.MemoryStore) *Repository {
	return &Repository{payments: make(map[string]domain.Payment), outbox: ob}
}

func (r *Repository) Payment(_ context.Context, id string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return find(r.payments, func(p domain.Payment) bool { return p.ID == id }, "payment %s not found", id)
}

func (r *Repository) ByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return find(r.payments, func(p domain.Payment) bool { return p.IdempotencyKey == key }, "no payment for idempotency key %s", key)
}

func (r *Repository) CompletedForOrder(_ context.Context, orderID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return find(r.payments, func(p domain.Payment) bool { return p.OrderID == orderID && p.Status == domain.StatusCompleted },
		"no completed payment for order %s", orderID)
}

func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{staged: make(map[string]domain.Payment), base: r.payments}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, p := range tx.staged {
		r.payments[id] = p
	}
	if r.outbox != nil && len(tx.events) > 0 {
		r.outbox.Append(tx.events...)
	}
	return nil
}

type memTx struct {
	base   map[string]domain.Payment
	staged map[string]domain.Payment
	events []outbox.Event
}

func (t *memTx) view() map[string]domain.Payment {
	out := make(map[string]domain.Payment, len(t.base)+len(t.staged))
	for k, v := range t.base {
		out[k] = v
	}
	for k, v := range t.staged {
		out[k] = v
	}
	return out
}

func (t *memTx) Payment(_ context.Context, id string) (domain.Payment, error) {
	return find(t.view(), func(p domain.Payment) bool { return p.ID == id }, "payment %s not found", id)
}

func (t *memTx) ByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	return find(t.view(), func(p domain.Payment) bool { return p.IdempotencyKey == key }, "no payment for idempotency key %s", key)
}

func (t *memTx) CompletedForOrder(_ context.Context, orderID string) (domain.Payment, error) {
	return find(t.view(), func(p domain.Payment) bool { return p.OrderID == orderID && p.Status == domain.StatusCompleted },
		"no completed payment for order %s", orderID)
}

func (t *memTx) Insert(ctx context.Context, p domain.Payment) error {
	if _, err := t.ByIdempotencyKey(ctx, p.IdempotencyKey); err == nil {
		return apperr.New(apperr.Conflict, "payment.Insert", "idempotency key %s already used", p.IdempotencyKey)
	}
	t.staged[p.ID] = p
	return nil
}

func (t *memTx) Update(ctx context.Context, p domain.Payment) error {
	if _, err := t.Payment(ctx, p.ID); err != nil {
		return err
	}
	t.staged[p.ID] = p
	return nil
}

func (t *memTx) Append(_ context.Context, ev outbox.Event) error {
	t.events = append(t.events, ev)
	return nil
}

func find(payments map[string]domain.Payment, match func(domain.Payment) bool, format string, args ...any) (domain.Payment, error) {
	for _, p := range payments {
		if match(p) {
			return p, nil
		}
	}
	return domain.Payment{}, apperr.New(apperr.NotFound, "payment.Get", format, args...)
}
