// Package rest talks to the payment service over its HTTP API.
package rest

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	orchestrator "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	paymenthttp "github.com/dmehra2102/orderflow/internal/payment/infrastructure/http"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/httpx"
)

type PaymentClient struct {
	log *slog.Logger
	rc  *resty.Client
}

func NewPaymentClient(log *slog.Logger, baseURL string, timeout time.Duration) *PaymentClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(r.Header))
			return nil
		})
	return &PaymentClient{log: log, rc: rc}
}

func (c *PaymentClient) Process(ctx context.Context, req orchestrator.PaymentRequest) (orchestrator.PaymentResult, error) {
	var (
		out  paymenthttp.PaymentResponse
		body httpx.ErrorBody
	)
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(paymenthttp.ProcessRequest{
			OrderID:        req.OrderID,
			UserID:         req.UserID,
			AmountCents:    req.AmountCents,
			Currency:       req.Currency,
			Method:         req.Method,
			IdempotencyKey: req.IdempotencyKey,
			Details:        req.Details,
		}).
		SetResult(&out).
		SetError(&body).
		Post("/payments")
	if err := asError("payment.Process", resp, err, body); err != nil {
		return orchestrator.PaymentResult{}, err
	}
	return orchestrator.PaymentResult{
		PaymentID:     out.ID,
		Status:        out.Status,
		FailureReason: out.FailureReason,
	}, nil
}

func (c *PaymentClient) Refund(ctx context.Context, paymentID, reason string) error {
	var body httpx.ErrorBody
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		SetBody(paymenthttp.RefundRequest{Reason: reason}).
		SetError(&body).
		Post("/payments/{id}/refunds")
	if err := asError("payment.Refund", resp, err, body); err != nil {
		return err
	}
	c.log.InfoContext(ctx, "payment refunded", "payment_id", paymentID)
	return nil
}

// asError restores the apperr kind the payment service answered with.
// Transport failures are Unavailable so the caller may retry them.
func asError(op string, resp *resty.Response, err error, body httpx.ErrorBody) error {
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, op, err)
	}
	if !resp.IsError() {
		return nil
	}
	kind := body.Kind
	if kind == "" {
		kind = httpx.KindFor(resp.StatusCode())
	}
	msg := body.Error
	if msg == "" {
		msg = resp.Status()
	}
	return apperr.New(kind, op, "%s", msg)
}
