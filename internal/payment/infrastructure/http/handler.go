package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/internal/payment/application"
	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/httpx"
)

type Handler struct {
	log     *slog.Logger
	service *application.Service
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("payment-http"),
	}
}

type ProcessRequest struct {
	OrderID        string            `json:"order_id"`
	UserID         string            `json:"user_id"`
	AmountCents    int64             `json:"amount_cents"`
	Currency       string            `json:"currency"`
	Method         string            `json:"method"`
	IdempotencyKey string            `json:"idempotency_key"`
	Details        map[string]string `json:"details,omitempty"`
}

type RefundRequest struct {
	AmountCents *int64 `json:"amount_cents,omitempty"`
	Reason      string `json:"reason"`
}

type PaymentResponse struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	UserID         string    `json:"user_id"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	Method         string    `json:"method"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"`
	GatewayTxID    string    `json:"gateway_tx_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	RefundedCents  int64     `json:"refunded_cents"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/payments", h.process)
	r.Post("/payments/{id}/refunds", h.refund)
	r.Get("/payments/{id}", h.get)
	return r
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProcessPayment")
	defer span.End()

	var req ProcessRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	p, err := h.service.Process(ctx, application.ProcessCommand{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
		Details:        req.Details,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// FAILED is a recorded outcome, not a transport error.
	httpx.WriteJSON(w, http.StatusOK, ToResponse(p))
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RefundPayment")
	defer span.End()

	var req RefundRequest
	if r.ContentLength != 0 {
		if err := httpx.Decode(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	p, err := h.service.Refund(ctx, application.RefundCommand{
		PaymentID:   chi.URLParam(r, "id"),
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ToResponse(p))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ToResponse(p))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		h.log.ErrorContext(r.Context(), "payment request failed", "path", r.URL.Path, "err", err)
	}
	httpx.WriteError(w, err)
}

func ToResponse(p domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:             p.ID,
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Method:         p.Method,
		IdempotencyKey: p.IdempotencyKey,
		Status:         string(p.Status),
		GatewayTxID:    p.GatewayTxID,
		FailureReason:  p.FailureReason,
		RefundedCents:  p.RefundedCents,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}
