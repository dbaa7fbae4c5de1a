package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestrator "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	sagamemory "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/memory"
	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/infrastructure/memory"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/httpx"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type stubInventory struct{}

func (stubInventory) Reserve(_ context.Context, orderID, productID string, _ int) (string, error) {
	return "res-" + orderID + "-" + productID, nil
}
func (stubInventory) Confirm(context.Context, string) error         { return nil }
func (stubInventory) Release(context.Context, string, string) error { return nil }
func (stubInventory) Return(context.Context, string, string) error  { return nil }

type stubPayments struct{ status string }

func (p stubPayments) Process(context.Context, orchestrator.PaymentRequest) (orchestrator.PaymentResult, error) {
	return orchestrator.PaymentResult{PaymentID: "pay-1", Status: p.status, FailureReason: "card declined"}, nil
}
func (stubPayments) Refund(context.Context, string, string) error { return nil }

func newRouter(t *testing.T, paymentStatus string) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	log := logging.Discard()
	clk := clock.NewFake(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	orders := application.NewService(log, memory.NewRepository(outbox.NewMemoryStore(clk)), clk)
	o := orchestrator.NewOrchestrator(log, orchestrator.Deps{
		Store:     sagamemory.NewStore(outbox.NewMemoryStore(clk)),
		Orders:    orders,
		Inventory: stubInventory{},
		Payments:  stubPayments{status: paymentStatus},
		Clock:     clk,
	}, orchestrator.DefaultConfig())
	return NewHandler(log, o, orders).Routes(), o
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validOrder = `{"user_id":"u-1","items":[{"product_id":"p-1","quantity":2,"unit_price_cents":2500}],
	"shipping_address":"1 Main St","currency":"usd","payment_method":"card"}`

func TestCreateOrderIsAccepted(t *testing.T) {
	h, o := newRouter(t, "COMPLETED")

	rec := do(t, h, http.MethodPost, "/orders", validOrder)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created createOrderResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "PENDING", created.Status)
	require.NotEmpty(t, created.OrderID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))

	rec = do(t, h, http.MethodGet, "/orders/"+created.OrderID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view orchestrator.OrderStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "CONFIRMED", view.Status)
	assert.Equal(t, "COMPLETED", view.SagaStatus)

	rec = do(t, h, http.MethodGet, "/orders/"+created.OrderID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ord orderResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ord))
	assert.Equal(t, int64(5000), ord.TotalCents)
	assert.Equal(t, "USD", ord.Currency)

	rec = do(t, h, http.MethodGet, "/sagas/"+created.SagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var saga sagaResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saga))
	assert.Len(t, saga.CompletedSteps, 4)
}

func TestDeclinedOrderReportsReason(t *testing.T) {
	h, o := newRouter(t, "FAILED")

	rec := do(t, h, http.MethodPost, "/orders", validOrder)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created createOrderResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NoError(t, o.Wait(context.Background()))

	rec = do(t, h, http.MethodGet, "/orders/"+created.OrderID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view orchestrator.OrderStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "CANCELLED", view.Status)
	assert.Contains(t, view.StatusMessage, "card declined")
}

func TestOrderErrors(t *testing.T) {
	h, _ := newRouter(t, "COMPLETED")

	cases := []struct {
		name, method, path, body string
		status                   int
	}{
		{"malformed", http.MethodPost, "/orders", `{"user_id":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/orders", `{"customer":"x"}`, http.StatusBadRequest},
		{"no items", http.MethodPost, "/orders", `{"user_id":"u","items":[],"shipping_address":"a"}`, http.StatusBadRequest},
		{"missing order", http.MethodGet, "/orders/nope", "", http.StatusNotFound},
		{"missing status", http.MethodGet, "/orders/nope/status", "", http.StatusNotFound},
		{"missing saga", http.MethodGet, "/sagas/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			var body httpx.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Kind)
		})
	}
}
