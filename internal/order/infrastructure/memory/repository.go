package memory

import (
	"context"
	"sync"

	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Repository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	outbox *outbox.MemoryStore
}

func NewRepository(ob *outbox.MemoryStore) *Repository {
	return &Repository{orders: make(map[string]domain.Order), outbox: ob}
}

func (r *Repository) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Repository) getLocked(id string) (domain.Order, error) {
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, apperr.New(apperr.NotFound, "order.Get", "order %s not found", id)
	}
	return o, nil
}

func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{repo: r, staged: map[string]domain.Order{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, o := range tx.staged {
		r.orders[id] = o
	}
	if r.outbox != nil && len(tx.events) > 0 {
		r.outbox.Append(tx.events...)
	}
	return nil
}

type memTx struct {
	repo   *Repository
	staged map[string]domain.Order
	events []outbox.Event
}

func (t *memTx) Order(_ context.Context, id string) (domain.Order, error) {
	if o, ok := t.staged[id]; ok {
		return o, nil
	}
	return t.repo.getLocked(id)
}

func (t *memTx) Insert(ctx context.Context, o domain.Order) error {
	if _, err := t.Order(ctx, o.ID); err == nil {
		return apperr.New(apperr.Conflict, "order.Insert", "order %s already exists", o.ID)
	}
	t.staged[o.ID] = o
	return nil
}

func (t *memTx) Update(ctx context.Context, o domain.Order) error {
	if _, err := t.Order(ctx, o.ID); err != nil {
		return err
	}
	t.staged[o.ID] = o
	return nil
}

func (t *memTx) Append(_ context.Context, ev outbox.Event) error {
	t.events = append(t.events, ev)
	return nil
}
