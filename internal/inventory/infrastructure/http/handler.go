package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
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
		tracer:  otel.Tracer("inventory-http"),
	}
}

type reserveReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	OrderID   string `json:"order_id"`
}

type releaseReq struct {
	Reason string `json:"reason"`
}

type updateStockReq struct {
	Delta             *int   `json:"delta,omitempty"`
	Absolute          *int   `json:"absolute,omitempty"`
	Reason            string `json:"reason"`
	LowStockThreshold *int   `json:"low_stock_threshold,omitempty"`
}

type reservationResp struct {
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/inventory/reservations", h.reserve)
	r.Post("/inventory/reservations/{id}/confirm", h.confirm)
	r.Post("/inventory/reservations/{id}/release", h.release)
	r.Get("/inventory/reservations/{id}", h.getReservation)
	r.Get("/inventory/{productId}", h.getStock)
	r.Put("/inventory/{productId}", h.updateStock)
	return r
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReserveStock")
	defer span.End()

	var req reserveReq
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := h.service.Reserve(ctx, application.ReserveCommand{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		OrderID:   req.OrderID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toResp(res))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmReservation")
	defer span.End()

	res, err := h.service.Confirm(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResp(res))
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReleaseReservation")
	defer span.End()

	var req releaseReq
	if r.ContentLength != 0 {
		if err := httpx.Decode(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
	}
	res, err := h.service.Release(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResp(res))
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResp(res))
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetStock(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) updateStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateStock")
	defer span.End()

	var req updateStockReq
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	view, err := h.service.UpdateStock(ctx, application.UpdateStockCommand{
		ProductID:         chi.URLParam(r, "productId"),
		Delta:             req.Delta,
		Absolute:          req.Absolute,
		Reason:            req.Reason,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.Internal {
		h.log.ErrorContext(r.Context(), "inventory request failed", "path", r.URL.Path, "err", err)
	}
	httpx.WriteError(w, err)
}

func toResp(r domain.Reservation) reservationResp {
	return reservationResp{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		Reason:        r.Reason,
		ExpiresAt:     r.ExpiresAt,
	}
}
