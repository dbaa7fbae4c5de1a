package application

import (
	"context"
	"log/slog"

	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Service struct {
	log   *slog.Logger
	repo  OrderRepository
	clock clock.Clock
}

func NewService(log *slog.Logger, repo OrderRepository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{log: log, repo: repo, clock: clk}
}

type CreateCommand struct {
	ID              string
	UserID          string
	Items           []domain.OrderItem
	ShippingAddress string
	Currency        string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (domain.Order, error) {
	o, err := domain.NewOrder(cmd.ID, cmd.UserID, cmd.Items, cmd.ShippingAddress, cmd.Currency, s.clock.Now())
	if err != nil {
		return domain.Order{}, err
	}
	items := make([]domain.EventItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, domain.EventItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents})
	}

	err = s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, o); err != nil {
			return err
		}
		return s.emit(ctx, tx, o.ID, domain.EventOrderCreated, domain.OrderCreated{
			OrderID:    o.ID,
			UserID:     o.UserID,
			TotalCents: o.TotalCents,
			Currency:   o.Currency,
			Items:      items,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.log.InfoContext(ctx, "order created", "order_id", o.ID, "user_id", o.UserID, "total_cents", o.TotalCents)
	return o, nil
}

func (s *Service) Confirm(ctx context.Context, id string) (domain.Order, error) {
	var out domain.Order
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Order(ctx, id)
		if err != nil {
			return err
		}
		if err := o.Confirm(s.clock.Now()); err != nil {
			return err
		}
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		out = o
		return s.emit(ctx, tx, o.ID, domain.EventOrderConfirmed, domain.OrderConfirmed{
			OrderID:    o.ID,
			UserID:     o.UserID,
			TotalCents: o.TotalCents,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.log.InfoContext(ctx, "order confirmed", "order_id", id)
	return out, nil
}

// Cancel is a no-op on an already cancelled order.
func (s *Service) Cancel(ctx context.Context, id, reason string) (domain.Order, error) {
	var out domain.Order
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Order(ctx, id)
		if err != nil {
			return err
		}
		changed, err := o.Cancel(reason, s.clock.Now())
		if err != nil {
			return err
		}
		out = o
		if !changed {
			return nil
		}
		if err := tx.Update(ctx, o); err != nil {
			return err
		}
		return s.emit(ctx, tx, o.ID, domain.EventOrderCancelled, domain.OrderCancelled{
			OrderID: o.ID,
			UserID:  o.UserID,
			Reason:  reason,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.log.InfoContext(ctx, "order cancelled", "order_id", id, "reason", reason)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) emit(ctx context.Context, tx Tx, orderID, eventType string, payload any) error {
	ev, err := outbox.NewEvent(ctx, domain.AggregateType, orderID, eventType, payload, s.clock.Now())
	if err != nil {
		return err
	}
	ev.Headers["source"] = "order-service"
	return tx.Append(ctx, ev)
}
