package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/infrastructure/memory"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

func startInventory(t *testing.T) (*Client, *application.Service) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := memory.NewRepository(outbox.NewMemoryStore(clk))
	locks := lock.NewManager(logging.Discard(), lock.NewMemoryBackend(clk))
	svc := application.NewService(logging.Discard(), repo, locks, clk, application.DefaultConfig())

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(logging.Discard(), svc))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///inventory",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClientConn(logging.Discard(), conn), svc
}

func TestReserveConfirmOverGRPC(t *testing.T) {
	client, svc := startInventory(t)
	ctx := context.Background()
	total := 10
	_, err := svc.UpdateStock(ctx, application.UpdateStockCommand{ProductID: "p-1", Absolute: &total})
	require.NoError(t, err)

	res, err := client.ReserveStock(ctx, &ReserveStockRequest{ProductID: "p-1", Quantity: 4, OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "RESERVED", res.Status)
	assert.NotEmpty(t, res.ReservationID)

	stock, err := client.GetStock(ctx, &GetStockRequest{ProductID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, 6, stock.AvailableStock)

	confirmed, err := client.ConfirmReservation(ctx, &ReservationRequest{ReservationID: res.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", confirmed.Status)

	_, err = client.ReleaseReservation(ctx, &ReleaseRequest{ReservationID: res.ReservationID, Reason: "late"})
	assert.True(t, apperr.Is(err, apperr.Conflict))

	returned, err := client.ReturnReservation(ctx, &ReleaseRequest{ReservationID: res.ReservationID, Reason: "order not confirmed"})
	require.NoError(t, err)
	assert.Equal(t, "RETURNED", returned.Status)

	stock, err = client.GetStock(ctx, &GetStockRequest{ProductID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, 10, stock.TotalStock)
	assert.Equal(t, 10, stock.AvailableStock)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	client, svc := startInventory(t)
	ctx := context.Background()
	total := 2
	_, err := svc.UpdateStock(ctx, application.UpdateStockCommand{ProductID: "p-1", Absolute: &total})
	require.NoError(t, err)

	_, err = client.ReserveStock(ctx, &ReserveStockRequest{ProductID: "p-1", Quantity: 3, OrderID: "o-1"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InsufficientStock))
	assert.Contains(t, apperr.Message(err), "2 available")

	_, err = client.GetStock(ctx, &GetStockRequest{ProductID: "ghost"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = client.ReserveStock(ctx, &ReserveStockRequest{ProductID: "p-1", Quantity: 0})
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}
