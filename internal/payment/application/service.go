package application

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Service struct {
	log     *slog.Logger
	repo    Repository
	locks   Locker
	gateway Gateway
	clock   clock.Clock
}

func NewService(log *slog.Logger, repo Repository, locks Locker, gateway Gateway, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{log: log, repo: repo, locks: locks, gateway: gateway, clock: clk}
}

func LockKey(idempotencyKey string) string {
	return "payment:key:" + idempotencyKey
}

// OrderLockKey serializes charges for one order across idempotency keys.
func OrderLockKey(orderID string) string {
	return "payment:order:" + orderID
}

type ProcessCommand = domain.NewPaymentParams

type RefundCommand struct {
	PaymentID string
	// AmountCents nil refunds whatever remains.
	AmountCents *int64
	Reason      string
}

// Process captures a payment once per idempotency key. A repeated key gets
// the stored payment back untouched, whatever its status. A declined or
// failed charge is persisted as FAILED and returned without an error.
func (s *Service) Process(ctx context.Context, cmd ProcessCommand) (domain.Payment, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Payment{}, err
	}

	var out domain.Payment
	err := s.locks.WithLock(ctx, LockKey(cmd.IdempotencyKey), func(ctx context.Context) error {
		existing, err := s.repo.ByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if err == nil {
			s.log.InfoContext(ctx, "payment replayed", "payment_id", existing.ID, "idempotency_key", cmd.IdempotencyKey, "status", existing.Status)
			out = existing
			return nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return err
		}

		// keys differ per attempt, so the order itself is locked too
		return s.locks.WithLock(ctx, OrderLockKey(cmd.OrderID), func(ctx context.Context) error {
			if paid, err := s.repo.CompletedForOrder(ctx, cmd.OrderID); err == nil {
				return apperr.New(apperr.Conflict, "payment.Process", "order %s already paid by %s", cmd.OrderID, paid.ID)
			} else if !apperr.Is(err, apperr.NotFound) {
				return err
			}

			p, err := domain.NewPayment(uuid.NewString(), cmd, s.clock.Now())
			if err != nil {
				return err
			}
			if err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.Insert(ctx, p)
			}); err != nil {
				return err
			}
			if err := p.StartProcessing(s.clock.Now()); err != nil {
				return err
			}
			if err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
				return tx.Update(ctx, p)
			}); err != nil {
				return err
			}

			out, err = s.charge(ctx, p)
			return err
		})
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return out, nil
}

// charge calls the gateway exactly once and records the outcome even when
// the caller has gone away.
func (s *Service) charge(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	res, gwErr := s.gateway.Charge(ctx, ChargeRequest{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Method:         p.Method,
		IdempotencyKey: p.IdempotencyKey,
		Details:        p.Details,
	})

	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	var (
		eventType string
		payload   any
	)
	if gwErr != nil {
		reason := apperr.Message(gwErr)
		if err := p.Fail(reason, now); err != nil {
			return domain.Payment{}, err
		}
		eventType = domain.EventPaymentFailed
		payload = domain.PaymentFailed{
			PaymentID:   p.ID,
			OrderID:     p.OrderID,
			AmountCents: p.AmountCents,
			Reason:      reason,
		}
		s.log.WarnContext(ctx, "payment failed", "payment_id", p.ID, "order_id", p.OrderID, "reason", reason)
	} else {
		if err := p.Complete(res.TransactionID, now); err != nil {
			return domain.Payment{}, err
		}
		eventType = domain.EventPaymentProcessed
		payload = domain.PaymentProcessed{
			PaymentID:   p.ID,
			OrderID:     p.OrderID,
			UserID:      p.UserID,
			AmountCents: p.AmountCents,
			Currency:    p.Currency,
			GatewayTxID: p.GatewayTxID,
		}
		s.log.InfoContext(ctx, "payment completed", "payment_id", p.ID, "order_id", p.OrderID, "tx_id", p.GatewayTxID)
	}

	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Update(ctx, p); err != nil {
			return err
		}
		return s.emit(ctx, tx, p.ID, eventType, payload)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return p, nil
}

func (s *Service) Refund(ctx context.Context, cmd RefundCommand) (domain.Payment, error) {
	if cmd.AmountCents != nil && *cmd.AmountCents <= 0 {
		return domain.Payment{}, apperr.New(apperr.ValidationError, "payment.Refund", "refund amount must be positive, got %d", *cmd.AmountCents)
	}
	current, err := s.repo.Payment(ctx, cmd.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	var out domain.Payment
	err = s.locks.WithLock(ctx, LockKey(current.IdempotencyKey), func(ctx context.Context) error {
		p, err := s.repo.Payment(ctx, cmd.PaymentID)
		if err != nil {
			return err
		}
		amount := p.RemainingRefundable()
		if cmd.AmountCents != nil {
			amount = *cmd.AmountCents
		}
		if err := p.CheckRefund(amount); err != nil {
			return err
		}

		res, err := s.gateway.Refund(ctx, RefundRequest{
			PaymentID:     p.ID,
			TransactionID: p.GatewayTxID,
			AmountCents:   amount,
			Reason:        cmd.Reason,
		})
		if err != nil {
			s.log.WarnContext(ctx, "refund rejected by gateway", "payment_id", p.ID, "amount_cents", amount, "err", err)
			return apperr.Wrap(apperr.GatewayError, "payment.Refund", err)
		}

		ctx = context.WithoutCancel(ctx)
		if err := p.ApplyRefund(amount, s.clock.Now()); err != nil {
			return err
		}
		if err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.Update(ctx, p); err != nil {
				return err
			}
			return s.emit(ctx, tx, p.ID, domain.EventPaymentRefunded, domain.PaymentRefunded{
				PaymentID:      p.ID,
				OrderID:        p.OrderID,
				RefundCents:    amount,
				RefundedCents:  p.RefundedCents,
				RemainingCents: p.RemainingRefundable(),
				Status:         string(p.Status),
				Reason:         cmd.Reason,
				RefundID:       res.RefundID,
			})
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	s.log.InfoContext(ctx, "payment refunded", "payment_id", out.ID, "refunded_cents", out.RefundedCents, "status", out.Status)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Payment, error) {
	return s.repo.Payment(ctx, id)
}

func (s *Service) emit(ctx context.Context, tx Tx, paymentID, eventType string, payload any) error {
	ev, err := outbox.NewEvent(ctx, domain.AggregateType, paymentID, eventType, payload, s.clock.Now())
	if err != nil {
		return err
	}
	ev.Headers["source"] = "payment-service"
	return tx.Append(ctx, ev)
}
