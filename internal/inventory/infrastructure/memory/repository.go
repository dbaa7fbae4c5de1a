package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

// Repository is an in-process application.Repository. InTx stages every
// write and applies it, together with the appended events, only when fn
// returns nil.
type Repository struct {
	mu           sync.Mutex
	inventory    map[string]domain.Inventory
	reservations map[string]domain.Reservation
	outbox       *outbox.MemoryStore

	// failCommit, when set, makes the next commit fail after fn succeeded.
	failCommit error
}

func NewRepository(ob *outbox.MemoryStore) *Repository {
	return &Repository{
		inventory:    make(map[string]domain.Inventory),
		reservations: make(map[string]domain.Reservation),
		outbox:       ob,
	}
}

func (r *Repository) FailNextCommit(err error) {
	r.mu.Lock()
	r.failCommit = err
	r.mu.Unlock()
}

func (r *Repository) Inventory(_ context.Context, productID string) (domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inventoryLocked(productID)
}

func (r *Repository) Reservation(_ context.Context, id string) (domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reservationLocked(id)
}

func (r *Repository) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Reservation
	for _, res := range r.reservations {
		if res.IsExpired(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{
		repo:         r,
		inventory:    map[string]domain.Inventory{},
		reservations: map[string]domain.Reservation{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.failCommit != nil {
		err := r.failCommit
		r.failCommit = nil
		return err
	}
	for k, v := range tx.inventory {
		r.inventory[k] = v
	}
	for k, v := range tx.reservations {
		r.reservations[k] = v
	}
	if r.outbox != nil && len(tx.events) > 0 {
		r.outbox.Append(tx.events...)
	}
	return nil
}

func (r *Repository) inventoryLocked(productID string) (domain.Inventory, error) {
	inv, ok := r.inventory[productID]
	if !ok {
		return domain.Inventory{}, apperr.New(apperr.NotFound, "inventory.Get", "no inventory for product %s", productID)
	}
	return inv, nil
}

func (r *Repository) reservationLocked(id string) (domain.Reservation, error) {
	res, ok := r.reservations[id]
	if !ok {
		return domain.Reservation{}, apperr.New(apperr.NotFound, "reservation.Get", "reservation %s not found", id)
	}
	return res, nil
}

type memTx struct {
	repo         *Repository
	inventory    map[string]domain.Inventory
	reservations map[string]domain.Reservation
	events       []outbox.Event
}

func (t *memTx) Inventory(_ context.Context, productID string) (domain.Inventory, error) {
	if inv, ok := t.inventory[productID]; ok {
		return inv, nil
	}
	return t.repo.inventoryLocked(productID)
}

func (t *memTx) InsertInventory(_ context.Context, inv domain.Inventory) error {
	if _, err := t.Inventory(context.Background(), inv.ProductID); err == nil {
		return apperr.New(apperr.Conflict, "inventory.Insert", "inventory for %s already exists", inv.ProductID)
	}
	t.inventory[inv.ProductID] = inv
	return nil
}

func (t *memTx) UpdateInventory(ctx context.Context, inv domain.Inventory, expectedVersion int64) error {
	current, err := t.Inventory(ctx, inv.ProductID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return apperr.New(apperr.Conflict, "inventory.Update", "inventory %s version %d, expected %d", inv.ProductID, current.Version, expectedVersion)
	}
	t.inventory[inv.ProductID] = inv
	return nil
}

func (t *memTx) Reservation(_ context.Context, id string) (domain.Reservation, error) {
	if res, ok := t.reservations[id]; ok {
		return res, nil
	}
	return t.repo.reservationLocked(id)
}

func (t *memTx) InsertReservation(_ context.Context, res domain.Reservation) error {
	t.reservations[res.ID] = res
	return nil
}

func (t *memTx) UpdateReservation(ctx context.Context, res domain.Reservation) error {
	if _, err := t.Reservation(ctx, res.ID); err != nil {
		return err
	}
	t.reservations[res.ID] = res
	return nil
}

func (t *memTx) Append(_ context.Context, ev outbox.Event) error {
	t.events = append(t.events, ev)
	return nil
}
