package domain

import "time"

const AggregateType = "inventory"

const (
	EventStockReserved      = "StockReserved"
	EventStockReleased      = "StockReleased"
	EventStockConfirmed     = "StockConfirmed"
	EventStockUpdated       = "StockUpdated"
	EventLowStockAlert      = "LowStockAlert"
	EventReservationExpired = "ReservationExpired"
)

type StockReserved struct {
	ReservationID  string    `json:"reservation_id"`
	OrderID        string    `json:"order_id"`
	ProductID      string    `json:"product_id"`
	Quantity       int       `json:"quantity"`
	AvailableStock int       `json:"available_stock"`
	ExpiresAt      time.Time `json:"expires_at"`
	Version        int64     `json:"version"`
}

type StockReleased struct {
	ReservationID  string `json:"reservation_id"`
	OrderID        string `json:"order_id"`
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	Reason         string `json:"reason"`
	AvailableStock int    `json:"available_stock"`
	Version        int64  `json:"version"`
}

type StockConfirmed struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
	TotalStock    int    `json:"total_stock"`
	Version       int64  `json:"version"`
}

type StockUpdated struct {
	ProductID     string `json:"product_id"`
	PreviousTotal int    `json:"previous_total"`
	TotalStock    int    `json:"total_stock"`
	ReservedStock int    `json:"reserved_stock"`
	Reason        string `json:"reason"`
	Version       int64  `json:"version"`
}

type LowStockAlert struct {
	ProductID      string `json:"product_id"`
	AvailableStock int    `json:"available_stock"`
	Threshold      int    `json:"threshold"`
}

type ReservationExpiredPayload struct {
	ReservationID  string    `json:"reservation_id"`
	OrderID        string    `json:"order_id"`
	ProductID      string    `json:"product_id"`
	Quantity       int       `json:"quantity"`
	ExpiredAt      time.Time `json:"expired_at"`
	AvailableStock int       `json:"available_stock"`
}
