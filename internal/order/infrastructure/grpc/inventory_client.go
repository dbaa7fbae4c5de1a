// Package grpc adapts the inventory service's gRPC client to the saga's
// InventoryClient port.
package grpc

import (
	"context"
	"log/slog"

	invgrpc "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/grpc"
)

type InventoryClient struct {
	log *slog.Logger
	cc  *invgrpc.Client
}

func NewInventoryClient(log *slog.Logger, addr string) (*InventoryClient, error) {
	cc, err := invgrpc.NewClient(log, addr)
	if err != nil {
		return nil, err
	}
	return &InventoryClient{log: log, cc: cc}, nil
}

// NewInventoryClientFrom wraps an already dialled client.
func NewInventoryClientFrom(log *slog.Logger, cc *invgrpc.Client) *InventoryClient {
	return &InventoryClient{log: log, cc: cc}
}

func (c *InventoryClient) Close() error {
	return c.cc.Close()
}

func (c *InventoryClient) Reserve(ctx context.Context, orderID, productID string, quantity int) (string, error) {
	resp, err := c.cc.ReserveStock(ctx, &invgrpc.ReserveStockRequest{
		ProductID: productID,
		Quantity:  quantity,
		OrderID:   orderID,
	})
	if err != nil {
		return "", err
	}
	c.log.DebugContext(ctx, "stock reserved", "order_id", orderID, "product_id", productID, "reservation_id", resp.ReservationID)
	return resp.ReservationID, nil
}

func (c *InventoryClient) Confirm(ctx context.Context, reservationID string) error {
	_, err := c.cc.ConfirmReservation(ctx, &invgrpc.ReservationRequest{ReservationID: reservationID})
	return err
}

func (c *InventoryClient) Release(ctx context.Context, reservationID, reason string) error {
	_, err := c.cc.ReleaseReservation(ctx, &invgrpc.ReleaseRequest{ReservationID: reservationID, Reason: reason})
	return err
}

// Return undoes a reservation whether it is still held or already confirmed.
func (c *InventoryClient) Return(ctx context.Context, reservationID, reason string) error {
	resp, err := c.cc.ReturnReservation(ctx, &invgrpc.ReleaseRequest{ReservationID: reservationID, Reason: reason})
	if err != nil {
		return err
	}
	c.log.DebugContext(ctx, "reservation returned", "reservation_id", reservationID, "status", resp.Status)
	return nil
}
