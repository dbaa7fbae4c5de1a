package domain

import (
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

// Inventory is the stock ledger of one product. Reserved units are held for
// open reservations and are still part of TotalStock until confirmed.
type Inventory struct {
	ID                string
	ProductID         string
	TotalStock        int
	ReservedStock     int
	Version           int64
	LowStockThreshold int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewInventory(id, productID string, threshold int, now time.Time) Inventory {
	return Inventory{
		ID:                id,
		ProductID:         productID,
		LowStockThreshold: threshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (i Inventory) Available() int {
	return i.TotalStock - i.ReservedStock
}

func (i Inventory) IsLow() bool {
	return i.Available() <= i.LowStockThreshold
}

func (i *Inventory) Reserve(qty int, now time.Time) error {
	if qty <= 0 {
		return apperr.New(apperr.ValidationError, "inventory.Reserve", "quantity must be positive, got %d", qty)
	}
	if i.Available() < qty {
		return apperr.New(apperr.InsufficientStock, "inventory.Reserve",
			"product %s has %d available, %d requested", i.ProductID, i.Available(), qty)
	}
	i.ReservedStock += qty
	i.touch(now)
	return nil
}

// Consume permanently removes qty reserved units from stock.
func (i *Inventory) Consume(qty int, now time.Time) error {
	if qty > i.ReservedStock {
		return apperr.New(apperr.Conflict, "inventory.Consume",
			"product %s has %d reserved, cannot consume %d", i.ProductID, i.ReservedStock, qty)
	}
	i.ReservedStock -= qty
	i.TotalStock -= qty
	i.touch(now)
	return nil
}

// Unreserve returns qty reserved units to the available pool.
func (i *Inventory) Unreserve(qty int, now time.Time) error {
	if qty > i.ReservedStock {
		return apperr.New(apperr.Conflict, "inventory.Unreserve",
			"product %s has %d reserved, cannot release %d", i.ProductID, i.ReservedStock, qty)
	}
	i.ReservedStock -= qty
	i.touch(now)
	return nil
}

// Restock puts qty previously consumed units back into stock.
func (i *Inventory) Restock(qty int, now time.Time) error {
	if qty <= 0 {
		return apperr.New(apperr.ValidationError, "inventory.Restock", "quantity must be positive, got %d", qty)
	}
	i.TotalStock += qty
	i.touch(now)
	return nil
}

// SetTotal replaces TotalStock. The new total may not drop below zero or
// below the units currently reserved.
func (i *Inventory) SetTotal(total int, now time.Time) error {
	if total < 0 {
		return apperr.New(apperr.Conflict, "inventory.SetTotal", "stock of %s cannot go negative (%d)", i.ProductID, total)
	}
	if total < i.ReservedStock {
		return apperr.New(apperr.Conflict, "inventory.SetTotal",
			"stock of %s cannot drop to %d below %d reserved", i.ProductID, total, i.ReservedStock)
	}
	i.TotalStock = total
	i.touch(now)
	return nil
}

func (i *Inventory) Adjust(delta int, now time.Time) error {
	return i.SetTotal(i.TotalStock+delta, now)
}

func (i *Inventory) touch(now time.Time) {
	i.Version++
	i.UpdatedAt = now
}
