package grpc

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/rpc"
)

type InventoryServer interface {
	ReserveStock(ctx context.Context, req *ReserveStockRequest) (*ReservationReply, error)
	ConfirmReservation(ctx context.Context, req *ReservationRequest) (*ReservationReply, error)
	ReleaseReservation(ctx context.Context, req *ReleaseRequest) (*ReservationReply, error)
	ReturnReservation(ctx context.Context, req *ReleaseRequest) (*ReservationReply, error)
	GetStock(ctx context.Context, req *GetStockRequest) (*StockReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ReserveStock", InventoryServer.ReserveStock),
		rpc.Unary(ServiceName, "ConfirmReservation", InventoryServer.ConfirmReservation),
		rpc.Unary(ServiceName, "ReleaseReservation", InventoryServer.ReleaseReservation),
		rpc.Unary(ServiceName, "ReturnReservation", InventoryServer.ReturnReservation),
		rpc.Unary(ServiceName, "GetStock", InventoryServer.GetStock),
	},
	Streams: []grpc.StreamDesc{},
}

func Register(gs *grpc.Server, srv InventoryServer) {
	gs.RegisterService(&serviceDesc, srv)
}

type Server struct {
	log     *slog.Logger
	service *application.Service
}

func NewServer(log *slog.Logger, service *application.Service) *Server {
	return &Server{log: log, service: service}
}

func (s *Server) ReserveStock(ctx context.Context, req *ReserveStockRequest) (*ReservationReply, error) {
	res, err := s.service.Reserve(ctx, application.ReserveCommand{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		OrderID:   req.OrderID,
	})
	if err != nil {
		return nil, s.fail(ctx, "ReserveStock", err)
	}
	return reservationReply(res), nil
}

func (s *Server) ConfirmReservation(ctx context.Context, req *ReservationRequest) (*ReservationReply, error) {
	res, err := s.service.Confirm(ctx, req.ReservationID)
	if err != nil {
		return nil, s.fail(ctx, "ConfirmReservation", err)
	}
	return reservationReply(res), nil
}

func (s *Server) ReleaseReservation(ctx context.Context, req *ReleaseRequest) (*ReservationReply, error) {
	res, err := s.service.Release(ctx, req.ReservationID, req.Reason)
	if err != nil {
		return nil, s.fail(ctx, "ReleaseReservation", err)
	}
	return reservationReply(res), nil
}

// ReturnReservation undoes a reservation in any state; see Service.Return.
func (s *Server) ReturnReservation(ctx context.Context, req *ReleaseRequest) (*ReservationReply, error) {
	res, err := s.service.Return(ctx, req.ReservationID, req.Reason)
	if err != nil {
		return nil, s.fail(ctx, "ReturnReservation", err)
	}
	return reservationReply(res), nil
}

func (s *Server) GetStock(ctx context.Context, req *GetStockRequest) (*StockReply, error) {
	v, err := s.service.GetStock(ctx, req.ProductID)
	if err != nil {
		return nil, s.fail(ctx, "GetStock", err)
	}
	return &StockReply{
		ProductID:      v.ProductID,
		TotalStock:     v.TotalStock,
		ReservedStock:  v.ReservedStock,
		AvailableStock: v.AvailableStock,
		Version:        v.Version,
	}, nil
}

func (s *Server) fail(ctx context.Context, method string, err error) error {
	if apperr.KindOf(err) == apperr.Internal {
		s.log.ErrorContext(ctx, "inventory rpc failed", "method", method, "err", err)
	}
	return apperr.ToStatus(err)
}

func reservationReply(r domain.Reservation) *ReservationReply {
	return &ReservationReply{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		ProductID:     r.ProductID,
		Quantity:      r.Quantity,
		Status:        string(r.Status),
		ExpiresAt:     r.ExpiresAt,
	}
}

// Run starts serving on addr in the background.
func Run(addr string, srv InventoryServer) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	Register(gs, srv)
	go func() {
		_ = gs.Serve(lis)
	}()
	return gs, nil
}
