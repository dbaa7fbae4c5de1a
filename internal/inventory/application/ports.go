package application

import (
	"context"
	"time"

	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type InventoryStore interface {
	// Inventory returns apperr.NotFound when the product has no ledger yet.
	Inventory(ctx context.Context, productID string) (domain.Inventory, error)
	InsertInventory(ctx context.Context, inv domain.Inventory) error
	// UpdateInventory fails with apperr.Conflict when the stored version is
	// no longer expectedVersion.
	UpdateInventory(ctx context.Context, inv domain.Inventory, expectedVersion int64) error
}

type ReservationStore interface {
	Reservation(ctx context.Context, id string) (domain.Reservation, error)
	InsertReservation(ctx context.Context, r domain.Reservation) error
	UpdateReservation(ctx context.Context, r domain.Reservation) error
}

// Tx is one local transaction. Events appended through it commit together
// with the aggregate writes.
type Tx interface {
	InventoryStore
	ReservationStore
	Append(ctx context.Context, ev outbox.Event) error
}

type Repository interface {
	Inventory(ctx context.Context, productID string) (domain.Inventory, error)
	Reservation(ctx context.Context, id string) (domain.Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Locker is satisfied by *lock.Manager.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
