package application_test

import (
	"context"
	"sync"

	invapp "github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	payapp "github.com/dmehra2102/orderflow/internal/payment/application"
)

// localInventory calls the inventory service in process. Queued errors are
// returned, one per call, before the service is reached.
type localInventory struct {
	svc *invapp.Service

	mu          sync.Mutex
	reserveErrs []error
	confirmErr  error
	releaseErr  error
	block       bool
	releases    int
	returns     int
}

func (l *localInventory) Reserve(ctx context.Context, orderID, productID string, quantity int) (string, error) {
	l.mu.Lock()
	if len(l.reserveErrs) > 0 {
		err := l.reserveErrs[0]
		l.reserveErrs = l.reserveErrs[1:]
		l.mu.Unlock()
		return "", err
	}
	block := l.block
	l.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	res, err := l.svc.Reserve(ctx, invapp.ReserveCommand{ProductID: productID, Quantity: quantity, OrderID: orderID})
	return res.ID, err
}

func (l *localInventory) Confirm(ctx context.Context, reservationID string) error {
	l.mu.Lock()
	err := l.confirmErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = l.svc.Confirm(ctx, reservationID)
	return err
}

func (l *localInventory) Release(ctx context.Context, reservationID, reason string) error {
	l.mu.Lock()
	l.releases++
	err := l.releaseErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = l.svc.Release(ctx, reservationID, reason)
	return err
}

func (l *localInventory) Return(ctx context.Context, reservationID, reason string) error {
	l.mu.Lock()
	l.returns++
	err := l.releaseErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = l.svc.Return(ctx, reservationID, reason)
	return err
}

func (l *localInventory) returnCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.returns
}

func (l *localInventory) releaseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releases
}

type localPayments struct {
	svc *payapp.Service

	mu sync.Mutex
	// stuck makes Process report PROCESSING, as a replay does while the
	// first charge is still running.
	stuck bool
	calls int
}

func (l *localPayments) Process(ctx context.Context, req application.PaymentRequest) (application.PaymentResult, error) {
	l.mu.Lock()
	l.calls++
	stuck := l.stuck
	l.mu.Unlock()
	if stuck {
		return application.PaymentResult{PaymentID: "pay-stuck", Status: "PROCESSING"}, nil
	}
	p, err := l.svc.Process(ctx, payapp.ProcessCommand{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
		Details:        req.Details,
	})
	if err != nil {
		return application.PaymentResult{}, err
	}
	return application.PaymentResult{PaymentID: p.ID, Status: string(p.Status), FailureReason: p.FailureReason}, nil
}

func (l *localPayments) processCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *localPayments) Refund(ctx context.Context, paymentID, reason string) error {
	_, err := l.svc.Refund(ctx, payapp.RefundCommand{PaymentID: paymentID, Reason: reason})
	return err
}

// failingConfirm lets orders be confirmed only when err is nil.
type failingConfirm struct {
	application.OrderService
	err error
}

func (f failingConfirm) Confirm(ctx context.Context, id string) (orderdomain.Order, error) {
	if f.err != nil {
		return orderdomain.Order{}, f.err
	}
	return f.OrderService.Confirm(ctx, id)
}
