package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/infrastructure/memory"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/httpx"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

func newRouter() http.Handler {
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := memory.NewRepository(outbox.NewMemoryStore(clk))
	locks := lock.NewManager(logging.Discard(), lock.NewMemoryBackend(clk))
	svc := application.NewService(logging.Discard(), repo, locks, clk, application.DefaultConfig())
	return NewHandler(logging.Discard(), svc).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReservationFlowOverHTTP(t *testing.T) {
	h := newRouter()

	rec := do(t, h, http.MethodPut, "/inventory/p-1", `{"absolute":8,"reason":"load"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/inventory/reservations", `{"product_id":"p-1","quantity":3,"order_id":"o-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res reservationResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "RESERVED", res.Status)

	rec = do(t, h, http.MethodPost, "/inventory/reservations/"+res.ReservationID+"/release", `{"reason":"changed mind"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/inventory/p-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view application.StockView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 8, view.AvailableStock)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newRouter()
	do(t, h, http.MethodPut, "/inventory/p-1", `{"absolute":1}`)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"insufficient", http.MethodPost, "/inventory/reservations", `{"product_id":"p-1","quantity":5}`, http.StatusUnprocessableEntity, "InsufficientStock"},
		{"unknown product", http.MethodGet, "/inventory/ghost", "", http.StatusNotFound, "NotFound"},
		{"bad body", http.MethodPost, "/inventory/reservations", `{"product_id":`, http.StatusBadRequest, "ValidationError"},
		{"unknown field", http.MethodPost, "/inventory/reservations", `{"sku":"x"}`, http.StatusBadRequest, "ValidationError"},
		{"unknown reservation", http.MethodPost, "/inventory/reservations/nope/confirm", "", http.StatusNotFound, "NotFound"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			var body httpx.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.kind, string(body.Kind))
		})
	}
}
