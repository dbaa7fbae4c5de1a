package notification

import (
	"context"
	"encoding/json"
	"fmt"

	invdomain "github.com/dmehra2102/orderflow/internal/inventory/domain"
	sagadomain "github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	paydomain "github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

// EventTypes lists the events Handler reacts to.
var EventTypes = []string{
	orderdomain.EventOrderConfirmed,
	orderdomain.EventOrderCancelled,
	paydomain.EventPaymentRefunded,
	invdomain.EventLowStockAlert,
	sagadomain.EventSagaFailed,
}

// Topics returns the bus topics carrying EventTypes.
func Topics(prefix string) []string {
	out := make([]string, 0, len(EventTypes))
	for _, t := range EventTypes {
		out = append(out, outbox.TopicFor(prefix, t))
	}
	return out
}

type Handler struct {
	notifier Notifier
}

func NewHandler(n Notifier) *Handler {
	return &Handler{notifier: n}
}

// Handle builds the notification for env. Events of other types are
// ignored. An undecodable payload is returned as an error.
func (h *Handler) Handle(ctx context.Context, env outbox.Envelope) error {
	n, ok, err := build(env)
	if err != nil {
		return fmt.Errorf("%s %s: %w", env.Type, env.EventID, err)
	}
	if !ok {
		return nil
	}
	n.EventID = env.EventID
	n.At = env.OccurredAt
	return h.notifier.Notify(ctx, n)
}

func build(env outbox.Envelope) (Notification, bool, error) {
	switch env.Type {
	case orderdomain.EventOrderConfirmed:
		var ev orderdomain.OrderConfirmed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Notification{}, false, err
		}
		return Notification{
			Audience: Customer,
			To:       ev.UserID,
			Subject:  "Order " + ev.OrderID + " confirmed",
			Body:     fmt.Sprintf("We charged %s and your order is on its way.", cents(ev.TotalCents)),
		}, true, nil

	case orderdomain.EventOrderCancelled:
		var ev orderdomain.OrderCancelled
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Notification{}, false, err
		}
		return Notification{
			Audience: Customer,
			To:       ev.UserID,
			Subject:  "Order " + ev.OrderID + " cancelled",
			Body:     ev.Reason,
		}, true, nil

	case paydomain.EventPaymentRefunded:
		var ev paydomain.PaymentRefunded
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Notification{}, false, err
		}
		return Notification{
			Audience: Customer,
			To:       ev.OrderID,
			Subject:  "Refund issued for order " + ev.OrderID,
			Body:     fmt.Sprintf("%s refunded, %s remaining.", cents(ev.RefundCents), cents(ev.RemainingCents)),
		}, true, nil

	case invdomain.EventLowStockAlert:
		var ev invdomain.LowStockAlert
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Notification{}, false, err
		}
		return Notification{
			Audience: Operator,
			To:       "inventory",
			Subject:  "Low stock: " + ev.ProductID,
			Body:     fmt.Sprintf("%d available, threshold %d.", ev.AvailableStock, ev.Threshold),
		}, true, nil

	case sagadomain.EventSagaFailed:
		var ev sagadomain.SagaFailed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Notification{}, false, err
		}
		// the customer hears about it through OrderCancelled
		if !ev.NeedsIntervention {
			return Notification{}, false, nil
		}
		return Notification{
			Audience: Operator,
			To:       "oncall",
			Subject:  "Saga " + ev.SagaID + " needs manual intervention",
			Body:     fmt.Sprintf("order %s failed (%s); compensations abandoned: %v", ev.OrderID, ev.Error, ev.AbandonedSteps),
		}, true, nil
	}
	return Notification{}, false, nil
}

func cents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}
