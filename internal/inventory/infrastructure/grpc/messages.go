package grpc

import "time"

const ServiceName = "orderflow.inventory.v1.Inventory"

type ReserveStockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	OrderID   string `json:"order_id"`
}

type ReservationRequest struct {
	ReservationID string `json:"reservation_id"`
}

type ReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason"`
}

type ReservationReply struct {
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type GetStockRequest struct {
	ProductID string `json:"product_id"`
}

type StockReply struct {
	ProductID      string `json:"product_id"`
	TotalStock     int    `json:"total_stock"`
	ReservedStock  int    `json:"reserved_stock"`
	AvailableStock int    `json:"available_stock"`
	Version        int64  `json:"version"`
}
