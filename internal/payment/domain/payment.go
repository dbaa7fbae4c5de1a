package domain

import (
	"strings"
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

type Payment struct {
	ID             string
	OrderID        string
	UserID         string
	AmountCents    int64
	Currency       string
	Method         string
	IdempotencyKey string
	Status         Status
	GatewayTxID    string
	FailureReason  string
	RefundedCents  int64
	Details        map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type NewPaymentParams struct {
	OrderID        string
	UserID         string
	AmountCents    int64
	Currency       string
	Method         string
	IdempotencyKey string
	Details        map[string]string
}

// Validate rejects params that can never become a payment.
func (p NewPaymentParams) Validate() error {
	const op = "payment.New"
	switch {
	case p.OrderID == "":
		return apperr.New(apperr.ValidationError, op, "order id is required")
	case p.IdempotencyKey == "":
		return apperr.New(apperr.ValidationError, op, "idempotency key is required")
	case p.AmountCents <= 0:
		return apperr.New(apperr.ValidationError, op, "amount must be positive, got %d", p.AmountCents)
	case len(p.Currency) != 3:
		return apperr.New(apperr.ValidationError, op, "currency must be a 3 letter code, got %q", p.Currency)
	case p.Method == "":
		return apperr.New(apperr.ValidationError, op, "payment method is required")
	}
	return nil
}

func NewPayment(id string, p NewPaymentParams, now time.Time) (Payment, error) {
	if err := p.Validate(); err != nil {
		return Payment{}, err
	}
	return Payment{
		ID:             id,
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		AmountCents:    p.AmountCents,
		Currency:       strings.ToUpper(p.Currency),
		Method:         p.Method,
		IdempotencyKey: p.IdempotencyKey,
		Status:         StatusPending,
		Details:        p.Details,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (p *Payment) StartProcessing(now time.Time) error {
	if p.Status != StatusPending {
		return apperr.New(apperr.Conflict, "payment.StartProcessing", "payment %s is %s", p.ID, p.Status)
	}
	p.Status = StatusProcessing
	p.UpdatedAt = now
	return nil
}

func (p *Payment) Complete(txID string, now time.Time) error {
	if p.Status != StatusProcessing {
		return apperr.New(apperr.Conflict, "payment.Complete", "payment %s is %s", p.ID, p.Status)
	}
	p.Status = StatusCompleted
	p.GatewayTxID = txID
	p.UpdatedAt = now
	return nil
}

func (p *Payment) Fail(reason string, now time.Time) error {
	if p.Status != StatusPending && p.Status != StatusProcessing {
		return apperr.New(apperr.Conflict, "payment.Fail", "payment %s is %s", p.ID, p.Status)
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = now
	return nil
}

func (p Payment) IsRefundable() bool {
	return p.Status == StatusCompleted || p.Status == StatusPartiallyRefunded
}

func (p Payment) RemainingRefundable() int64 {
	return p.AmountCents - p.RefundedCents
}

// CheckRefund reports whether amount could be refunded right now.
func (p Payment) CheckRefund(amount int64) error {
	const op = "payment.Refund"
	if !p.IsRefundable() {
		return apperr.New(apperr.Conflict, op, "payment %s is %s and cannot be refunded", p.ID, p.Status)
	}
	if amount <= 0 {
		return apperr.New(apperr.ValidationError, op, "refund amount must be positive, got %d", amount)
	}
	if amount > p.RemainingRefundable() {
		return apperr.New(apperr.Conflict, op, "refund of %d exceeds remaining %d on payment %s", amount, p.RemainingRefundable(), p.ID)
	}
	return nil
}

func (p *Payment) ApplyRefund(amount int64, now time.Time) error {
	if err := p.CheckRefund(amount); err != nil {
		return err
	}
	p.RefundedCents += amount
	if p.RefundedCents == p.AmountCents {
		p.Status = StatusRefunded
	} else {
		p.Status = StatusPartiallyRefunded
	}
	p.UpdatedAt = now
	return nil
}
