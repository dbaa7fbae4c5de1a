package domain

import (
	"strings"
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusCancelled OrderStatus = "CANCELLED"
)

type Order struct {
	ID              string
	UserID          string
	Items           []OrderItem
	ShippingAddress string
	TotalCents      int64
	Currency        string
	Status          OrderStatus
	StatusMessage   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type OrderItem struct {
	ProductID      string
	Quantity       int
	UnitPriceCents int64
}

func NewOrder(id, userID string, items []OrderItem, shippingAddress, currency string, now time.Time) (Order, error) {
	const op = "order.New"
	if userID == "" {
		return Order{}, apperr.New(apperr.ValidationError, op, "user id is required")
	}
	if len(items) == 0 {
		return Order{}, apperr.New(apperr.ValidationError, op, "order needs at least one item")
	}
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return Order{}, apperr.New(apperr.ValidationError, op, "currency must be a 3 letter code, got %q", currency)
	}

	var total int64
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		switch {
		case item.ProductID == "":
			return Order{}, apperr.New(apperr.ValidationError, op, "item %d has no product id", i)
		case item.Quantity <= 0:
			return Order{}, apperr.New(apperr.ValidationError, op, "item %s quantity must be positive", item.ProductID)
		case item.UnitPriceCents < 0:
			return Order{}, apperr.New(apperr.ValidationError, op, "item %s price cannot be negative", item.ProductID)
		case seen[item.ProductID]:
			return Order{}, apperr.New(apperr.ValidationError, op, "product %s listed twice", item.ProductID)
		}
		seen[item.ProductID] = true
		total += int64(item.Quantity) * item.UnitPriceCents
	}
	if total <= 0 {
		return Order{}, apperr.New(apperr.ValidationError, op, "order total must be positive")
	}

	return Order{
		ID:              id,
		UserID:          userID,
		Items:           items,
		ShippingAddress: shippingAddress,
		TotalCents:      total,
		Currency:        strings.ToUpper(currency),
		Status:          StatusPending,
		StatusMessage:   "order received",
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (o *Order) Confirm(now time.Time) error {
	if o.Status != StatusPending {
		return apperr.New(apperr.Conflict, "order.Confirm", "order %s is %s", o.ID, o.Status)
	}
	o.Status = StatusConfirmed
	o.StatusMessage = "order confirmed"
	o.UpdatedAt = now
	return nil
}

// Cancel reports false when the order was already cancelled.
func (o *Order) Cancel(reason string, now time.Time) (bool, error) {
	switch o.Status {
	case StatusCancelled:
		return false, nil
	case StatusConfirmed:
		return false, apperr.New(apperr.Conflict, "order.Cancel", "order %s is already confirmed", o.ID)
	}
	o.Status = StatusCancelled
	o.StatusMessage = reason
	o.UpdatedAt = now
	return true, nil
}
