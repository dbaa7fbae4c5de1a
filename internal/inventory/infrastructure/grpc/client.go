package grpc

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/rpc"
)

type Client struct {
	log  *slog.Logger
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

func NewClient(log *slog.Logger, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{log: log, cc: conn, conn: conn}, nil
}

// NewClientConn wraps an existing connection, e.g. an in-process bufconn.
func NewClientConn(log *slog.Logger, cc grpc.ClientConnInterface) *Client {
	return &Client{log: log, cc: cc}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) ReserveStock(ctx context.Context, req *ReserveStockRequest) (*ReservationReply, error) {
	out, err := rpc.Invoke[ReservationReply](ctx, c.cc, ServiceName, "ReserveStock", req)
	return out, apperr.FromStatus("inventory.ReserveStock", err)
}

func (c *Client) ConfirmReservation(ctx context.Context, req *ReservationRequest) (*ReservationReply, error) {
	out, err := rpc.Invoke[ReservationReply](ctx, c.cc, ServiceName, "ConfirmReservation", req)
	return out, apperr.FromStatus("inventory.ConfirmReservation", err)
}

func (c *Client) ReleaseReservation(ctx context.Context, req *ReleaseRequest) (*ReservationReply, error) {
	out, err := rpc.Invoke[ReservationReply](ctx, c.cc, ServiceName, "ReleaseReservation", req)
	return out, apperr.FromStatus("inventory.ReleaseReservation", err)
}

func (c *Client) ReturnReservation(ctx context.Context, req *ReleaseRequest) (*ReservationReply, error) {
	out, err := rpc.Invoke[ReservationReply](ctx, c.cc, ServiceName, "ReturnReservation", req)
	return out, apperr.FromStatus("inventory.ReturnReservation", err)
}

func (c *Client) GetStock(ctx context.Context, req *GetStockRequest) (*StockReply, error) {
	out, err := rpc.Invoke[StockReply](ctx, c.cc, ServiceName, "GetStock", req)
	return out, apperr.FromStatus("inventory.GetStock", err)
}
