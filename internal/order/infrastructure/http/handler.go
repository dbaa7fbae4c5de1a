package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	orchestrator "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	sagadomain "github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/httpx"
)

type Handler struct {
	log     *slog.Logger
	sagas   *orchestrator.Orchestrator
	service *application.Service
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, sagas *orchestrator.Orchestrator, service *application.Service) *Handler {
	return &Handler{
		log:     log,
		sagas:   sagas,
		service: service,
		tracer:  otel.Tracer("order-http"),
	}
}

type itemJSON struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type createOrderReq struct {
	UserID          string            `json:"user_id"`
	Items           []itemJSON        `json:"items"`
	ShippingAddress string            `json:"shipping_address"`
	Currency        string            `json:"currency"`
	PaymentMethod   string            `json:"payment_method"`
	PaymentDetails  map[string]string `json:"payment_details,omitempty"`
}

type createOrderResp struct {
	OrderID string `json:"order_id"`
	SagaID  string `json:"saga_id"`
	Status  string `json:"status"`
}

type orderResp struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Items           []itemJSON `json:"items"`
	ShippingAddress string     `json:"shipping_address"`
	TotalCents      int64      `json:"total_cents"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	StatusMessage   string     `json:"status_message"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type sagaResp struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"order_id"`
	Status            string    `json:"status"`
	CurrentStep       string    `json:"current_step"`
	CompletedSteps    []string  `json:"completed_steps"`
	AbandonedSteps    []string  `json:"abandoned_steps,omitempty"`
	ReservationIDs    []string  `json:"reservation_ids,omitempty"`
	PaymentID         string    `json:"payment_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	NeedsIntervention bool      `json:"needs_intervention"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/sagas/{id}", h.getSaga)
	return r
}

// createOrder answers 202 once the order and its saga exist. Stock and
// payment are settled in the background.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.OrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents})
	}

	orderID, sagaID, err := h.sagas.Start(ctx, orchestrator.CreateOrderCommand{
		UserID:          req.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		Currency:        req.Currency,
		PaymentMethod:   req.PaymentMethod,
		PaymentDetails:  req.PaymentDetails,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("saga.id", sagaID))
	httpx.WriteJSON(w, http.StatusAccepted, createOrderResp{OrderID: orderID, SagaID: sagaID, Status: string(domain.StatusPending)})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.sagas.OrderStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) getSaga(w http.ResponseWriter, r *http.Request) {
	s, err := h.sagas.Saga(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSagaResp(s))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		h.log.ErrorContext(r.Context(), "order request failed", "path", r.URL.Path, "err", err)
	}
	httpx.WriteError(w, err)
}

func toOrderResp(o domain.Order) orderResp {
	items := make([]itemJSON, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemJSON{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents})
	}
	return orderResp{
		ID:              o.ID,
		UserID:          o.UserID,
		Items:           items,
		ShippingAddress: o.ShippingAddress,
		TotalCents:      o.TotalCents,
		Currency:        o.Currency,
		Status:          string(o.Status),
		StatusMessage:   o.StatusMessage,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func toSagaResp(s sagadomain.SagaState) sagaResp {
	steps := func(in []sagadomain.Step) []string {
		out := make([]string, 0, len(in))
		for _, st := range in {
			out = append(out, string(st))
		}
		return out
	}
	return sagaResp{
		ID:                s.ID,
		OrderID:           s.OrderID,
		Status:            string(s.Status),
		CurrentStep:       string(s.CurrentStep),
		CompletedSteps:    steps(s.CompletedSteps),
		AbandonedSteps:    steps(s.AbandonedSteps),
		ReservationIDs:    s.ReservationIDs,
		PaymentID:         s.PaymentID,
		Error:             s.Error,
		NeedsIntervention: s.NeedsIntervention,
		UpdatedAt:         s.UpdatedAt,
	}
}
