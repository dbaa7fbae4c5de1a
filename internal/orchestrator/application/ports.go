package application

import (
	"context"
	"time"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	orderapp "github.com/dmehra2102/orderflow/internal/order/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type InventoryClient interface {
	Reserve(ctx context.Context, orderID, productID string, quantity int) (reservationID string, err error)
	Confirm(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID, reason string) error
	// Return undoes a reservation whether it is still held or was already
	// confirmed. Undoing one twice is a no-op.
	Return(ctx context.Context, reservationID, reason string) error
}

type PaymentRequest struct {
	OrderID        string
	UserID         string
	AmountCents    int64
	Currency       string
	Method         string
	IdempotencyKey string
	Details        map[string]string
}

// PaymentResult is what the payment ledger recorded. A FAILED status is a
// result, not an error.
type PaymentResult struct {
	PaymentID     string
	Status        string
	FailureReason string
}

type PaymentClient interface {
	Process(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	// Refund returns whatever is still refundable.
	Refund(ctx context.Context, paymentID, reason string) error
}

// OrderService is satisfied by *orderapp.Service.
type OrderService interface {
	Create(ctx context.Context, cmd orderapp.CreateCommand) (orderdomain.Order, error)
	Confirm(ctx context.Context, id string) (orderdomain.Order, error)
	Cancel(ctx context.Context, id, reason string) (orderdomain.Order, error)
	Get(ctx context.Context, id string) (orderdomain.Order, error)
}

type SagaStore interface {
	Create(ctx context.Context, s domain.SagaState) error
	Save(ctx context.Context, s domain.SagaState) error
	Get(ctx context.Context, id string) (domain.SagaState, error)
	GetByOrder(ctx context.Context, orderID string) (domain.SagaState, error)
	// Fail stores the FAILED state together with ev. It returns
	// apperr.Conflict if the saga was already FAILED.
	Fail(ctx context.Context, s domain.SagaState, ev outbox.Event) error
	// Unfinished lists sagas that are not terminal, oldest first.
	Unfinished(ctx context.Context, limit int) ([]domain.SagaState, error)
}

type JournalEntry struct {
	SagaID  string
	OrderID string
	Step    domain.Step
	Status  domain.Status
	Error   string
	TraceID string
	SpanID  string
	At      time.Time
}

// Journal is an append-only audit trail of saga transitions.
type Journal interface {
	Record(ctx context.Context, e JournalEntry) error
}

// Claimer hands out exclusive, renewable leases. *lock.Manager satisfies it.
type Claimer interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
	Release(ctx context.Context, l *lock.Lease) error
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, JournalEntry) error { return nil }
