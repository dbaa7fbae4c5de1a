package application

import (
	"context"

	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Tx interface {
	// Order locks the row for the rest of the transaction.
	Order(ctx context.Context, id string) (domain.Order, error)
	Insert(ctx context.Context, o domain.Order) error
	Update(ctx context.Context, o domain.Order) error
	Append(ctx context.Context, ev outbox.Event) error
}

type OrderRepository interface {
	// Get returns apperr.NotFound for unknown ids.
	Get(ctx context.Context, id string) (domain.Order, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
