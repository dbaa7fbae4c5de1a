package application

import (
	"context"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type ChargeRequest struct {
	PaymentID      string
	OrderID        string
	AmountCents    int64
	Currency       string
	Method         string
	IdempotencyKey string
	Details        map[string]string
}

type ChargeResult struct {
	TransactionID string
}

type RefundRequest struct {
	PaymentID     string
	TransactionID string
	AmountCents   int64
	Reason        string
}

type RefundResult struct {
	RefundID string
}

// Gateway is the external payment processor. Any error means the money did
// not move.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// PaymentStore lookups return apperr.NotFound when nothing matches.
type PaymentStore interface {
	Payment(ctx context.Context, id string) (domain.Payment, error)
	ByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error)
	CompletedForOrder(ctx context.Context, orderID string) (domain.Payment, error)
}

type Tx interface {
	PaymentStore
	Insert(ctx context.Context, p domain.Payment) error
	Update(ctx context.Context, p domain.Payment) error
	Append(ctx context.Context, ev outbox.Event) error
}

type Repository interface {
	PaymentStore
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
