package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// ErrStepTimeout marks a remote call that outlived the step timeout. It
// fails the step without a retry.
var ErrStepTimeout = errors.New("saga step timed out")

const (
	paymentCompleted  = "COMPLETED"
	paymentProcessing = "PROCESSING"
)

func PaymentKey(sagaID string) string {
	return "saga:" + sagaID + ":payment"
}

func (o *Orchestrator) runStep(ctx context.Context, s domain.SagaState, step domain.Step) domain.StepResult {
	ctx, span := o.tracer.Start(ctx, "saga."+string(step))
	defer span.End()

	if step.IsCompensation() {
		return o.compensate(ctx, s, step)
	}

	r := domain.StepResult{Step: step}
	var err error
	switch step {
	case domain.StepCreateOrder:
		err = o.call(ctx, &r, func(ctx context.Context) error {
			_, err := o.orders.Get(ctx, s.OrderID)
			return err
		})
	case domain.StepReserveInventory:
		r.ReservationIDs, err = o.reserveAll(ctx, s, &r)
	case domain.StepProcessPayment:
		err = o.processPayment(ctx, s, &r)
	case domain.StepConfirmOrder:
		err = o.confirmAll(ctx, s, &r)
	}
	if err != nil {
		r.Err = apperr.Message(err)
		span.RecordError(err)
		o.log.WarnContext(ctx, "saga step failed", "saga_id", s.ID, "step", step, "kind", apperr.KindOf(err), "err", err)
	}
	return r
}

// reserveAll reserves every line item. If one fails, the reservations made
// so far are released before the failure is reported.
func (o *Orchestrator) reserveAll(ctx context.Context, s domain.SagaState, r *domain.StepResult) ([]string, error) {
	ord, err := o.getOrder(ctx, s, r)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ord.Items))
	for _, item := range ord.Items {
		var id string
		err := o.call(ctx, r, func(ctx context.Context) error {
			var err error
			id, err = o.inventory.Reserve(ctx, s.OrderID, item.ProductID, item.Quantity)
			return err
		})
		if err != nil {
			o.releaseAll(context.WithoutCancel(ctx), s.ID, ids, "reservation step failed")
			return nil, fmt.Errorf("reserve %s: %w", item.ProductID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (o *Orchestrator) processPayment(ctx context.Context, s domain.SagaState, r *domain.StepResult) error {
	ord, err := o.getOrder(ctx, s, r)
	if err != nil {
		return err
	}
	var res PaymentResult
	err = o.call(ctx, r, func(ctx context.Context) error {
		var err error
		res, err = o.payments.Process(ctx, PaymentRequest{
			OrderID:        ord.ID,
			UserID:         ord.UserID,
			AmountCents:    ord.TotalCents,
			Currency:       ord.Currency,
			Method:         s.PaymentMethod,
			IdempotencyKey: PaymentKey(s.ID),
			Details:        s.PaymentDetails,
		})
		if err == nil && res.Status == paymentProcessing {
			// an earlier attempt is still charging; ask again
			return apperr.New(apperr.Unavailable, "saga.ProcessPayment", "payment %s still processing", res.PaymentID)
		}
		return err
	})
	r.PaymentID = res.PaymentID
	if res.Status == paymentProcessing {
		// The charge may or may not have gone through. Refunding blindly is
		// as wrong as keeping the order, so a person has to settle it.
		r.NeedsIntervention = true
		return apperr.New(apperr.GatewayError, "saga.ProcessPayment", "payment %s outcome unknown", res.PaymentID)
	}
	if err != nil {
		return err
	}
	if res.Status != paymentCompleted {
		reason := res.FailureReason
		if reason == "" {
			reason = "payment " + res.Status
		}
		return apperr.New(apperr.GatewayError, "saga.ProcessPayment", "payment failed: %s", reason)
	}
	return nil
}

func (o *Orchestrator) confirmAll(ctx context.Context, s domain.SagaState, r *domain.StepResult) error {
	for _, id := range s.ReservationIDs {
		if err := o.call(ctx, r, func(ctx context.Context) error {
			return o.inventory.Confirm(ctx, id)
		}); err != nil {
			return fmt.Errorf("confirm reservation %s: %w", id, err)
		}
	}
	return o.call(ctx, r, func(ctx context.Context) error {
		_, err := o.orders.Confirm(ctx, s.OrderID)
		return err
	})
}

func (o *Orchestrator) getOrder(ctx context.Context, s domain.SagaState, r *domain.StepResult) (ord orderdomain.Order, err error) {
	err = o.call(ctx, r, func(ctx context.Context) error {
		var err error
		ord, err = o.orders.Get(ctx, s.OrderID)
		return err
	})
	return ord, err
}

// compensate runs one compensation with bounded retries. Outcomes that mean
// "already undone" count as success.
func (o *Orchestrator) compensate(ctx context.Context, s domain.SagaState, step domain.Step) domain.StepResult {
	r := domain.StepResult{Step: step}
	reason := "saga compensation: " + s.Error

	var err error
	for attempt := 1; attempt <= o.cfg.CompensationRetries; attempt++ {
		r.Attempts++
		err = o.withTimeout(ctx, func(ctx context.Context) error {
			switch step {
			case domain.StepRefundPayment:
				return tolerate(o.payments.Refund(ctx, s.PaymentID, reason), apperr.Conflict)
			case domain.StepReleaseInventory:
				return o.returnEach(ctx, s.ReservationIDs, reason)
			case domain.StepCancelOrder:
				_, err := o.orders.Cancel(ctx, s.OrderID, s.Error)
				return tolerate(err, apperr.NotFound)
			}
			return nil
		})
		if err == nil {
			return r
		}
		o.log.WarnContext(ctx, "compensation attempt failed", "saga_id", s.ID, "step", step, "attempt", attempt, "err", err)
		if attempt < o.cfg.CompensationRetries {
			if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
				break
			}
		}
	}
	r.Err = apperr.Message(err)
	o.compensationErr.Add(ctx, 1)
	o.log.ErrorContext(ctx, "compensation abandoned, manual intervention required",
		"saga_id", s.ID, "order_id", s.OrderID, "step", step, "err", err)
	return r
}

// returnEach undoes every reservation of the saga, confirmed or not.
func (o *Orchestrator) returnEach(ctx context.Context, ids []string, reason string) error {
	for _, id := range ids {
		err := o.inventory.Return(ctx, id, reason)
		if err = tolerate(err, apperr.NotFound); err != nil {
			return fmt.Errorf("return %s: %w", id, err)
		}
	}
	return nil
}

// releaseAll undoes reservations made by a step that did not finish.
func (o *Orchestrator) releaseAll(ctx context.Context, sagaID string, ids []string, reason string) {
	for _, id := range ids {
		var err error
		for attempt := 1; attempt <= o.cfg.CompensationRetries; attempt++ {
			err = o.withTimeout(ctx, func(ctx context.Context) error {
				return tolerate(o.inventory.Release(ctx, id, reason), apperr.Conflict, apperr.NotFound)
			})
			if err == nil {
				break
			}
		}
		if err != nil {
			o.log.ErrorContext(ctx, "partial reservation not released", "saga_id", sagaID, "reservation_id", id, "err", err)
		}
	}
}

// call runs fn under the step timeout and retries transient failures.
// Hitting the step timeout is a failure, not a retry.
func (o *Orchestrator) call(ctx context.Context, r *domain.StepResult, fn func(ctx context.Context) error) error {
	attempts := o.cfg.TransientRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		r.Attempts++
		err = o.withTimeout(ctx, fn)
		if err == nil || !apperr.Is(err, apperr.Unavailable) || attempt == attempts {
			return err
		}
		if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if o.cfg.StepTimeout <= 0 {
		return fn(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	err := fn(stepCtx)
	if err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrStepTimeout, o.cfg.StepTimeout, err)
	}
	return err
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBackoff << (attempt - 1)
	if limit := 5 * time.Second; d > limit {
		d = limit
	}
	return d
}

func tolerate(err error, kinds ...apperr.Kind) error {
	for _, k := range kinds {
		if apperr.Is(err, k) {
			return nil
		}
	}
	return err
}
