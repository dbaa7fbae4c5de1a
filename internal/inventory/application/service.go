package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/orderflow/internal/inventory/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Config struct {
	ReservationTTL    time.Duration
	LowStockThreshold int
	SweepBatch        int
}

func DefaultConfig() Config {
	return Config{
		ReservationTTL:    domain.DefaultReservationTTL,
		LowStockThreshold: 10,
		SweepBatch:        100,
	}
}

type Service struct {
	log   *slog.Logger
	repo  Repository
	locks Locker
	clock clock.Clock
	cfg   Config
}

func NewService(log *slog.Logger, repo Repository, locks Locker, clk clock.Clock, cfg Config) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	def := DefaultConfig()
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	return &Service{log: log, repo: repo, locks: locks, clock: clk, cfg: cfg}
}

func LockKey(productID string) string {
	return "inventory:" + productID
}

type ReserveCommand struct {
	ProductID string
	Quantity  int
	OrderID   string
}

type UpdateStockCommand struct {
	ProductID string
	// Exactly one of Delta and Absolute is set.
	Delta             *int
	Absolute          *int
	Reason            string
	LowStockThreshold *int
}

type StockView struct {
	ProductID      string `json:"product_id"`
	TotalStock     int    `json:"total_stock"`
	ReservedStock  int    `json:"reserved_stock"`
	AvailableStock int    `json:"available_stock"`
	Version        int64  `json:"version"`
}

func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (domain.Reservation, error) {
	if cmd.ProductID == "" {
		return domain.Reservation{}, apperr.New(apperr.ValidationError, "inventory.Reserve", "product id is required")
	}
	if cmd.Quantity <= 0 {
		return domain.Reservation{}, apperr.New(apperr.ValidationError, "inventory.Reserve", "quantity must be positive, got %d", cmd.Quantity)
	}

	var res domain.Reservation
	err := s.locks.WithLock(ctx, LockKey(cmd.ProductID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			inv, err := tx.Inventory(ctx, cmd.ProductID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			expected := inv.Version
			wasLow := inv.IsLow()
			if err := inv.Reserve(cmd.Quantity, now); err != nil {
				return err
			}

			res = domain.NewReservation(uuid.NewString(), cmd.OrderID, cmd.ProductID, cmd.Quantity, s.cfg.ReservationTTL, now)
			if err := tx.UpdateInventory(ctx, inv, expected); err != nil {
				return err
			}
			if err := tx.InsertReservation(ctx, res); err != nil {
				return err
			}
			if err := s.emit(ctx, tx, cmd.ProductID, domain.EventStockReserved, domain.StockReserved{
				ReservationID:  res.ID,
				OrderID:        res.OrderID,
				ProductID:      res.ProductID,
				Quantity:       res.Quantity,
				AvailableStock: inv.Available(),
				ExpiresAt:      res.ExpiresAt,
				Version:        inv.Version,
			}); err != nil {
				return err
			}
			return s.lowStock(ctx, tx, inv, wasLow)
		})
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	s.log.InfoContext(ctx, "stock reserved", "reservation_id", res.ID, "product_id", res.ProductID, "order_id", res.OrderID, "quantity", res.Quantity)
	return res, nil
}

// Confirm consumes the reserved units for good.
func (s *Service) Confirm(ctx context.Context, reservationID string) (domain.Reservation, error) {
	res, err := s.mutateReservation(ctx, reservationID, func(ctx context.Context, tx Tx, res *domain.Reservation, inv *domain.Inventory, now time.Time) error {
		if err := res.Confirm(now); err != nil {
			return err
		}
		if err := inv.Consume(res.Quantity, now); err != nil {
			return err
		}
		return s.emit(ctx, tx, res.ProductID, domain.EventStockConfirmed, domain.StockConfirmed{
			ReservationID: res.ID,
			OrderID:       res.OrderID,
			ProductID:     res.ProductID,
			Quantity:      res.Quantity,
			TotalStock:    inv.TotalStock,
			Version:       inv.Version,
		})
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	s.log.InfoContext(ctx, "reservation confirmed", "reservation_id", res.ID, "product_id", res.ProductID)
	return res, nil
}

func (s *Service) Release(ctx context.Context, reservationID, reason string) (domain.Reservation, error) {
	res, err := s.mutateReservation(ctx, reservationID, func(ctx context.Context, tx Tx, res *domain.Reservation, inv *domain.Inventory, now time.Time) error {
		return s.release(ctx, tx, res, inv, reason, now)
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	s.log.InfoContext(ctx, "reservation released", "reservation_id", res.ID, "product_id", res.ProductID, "reason", reason)
	return res, nil
}

func (s *Service) release(ctx context.Context, tx Tx, res *domain.Reservation, inv *domain.Inventory, reason string, now time.Time) error {
	if err := res.Release(reason, now); err != nil {
		return err
	}
	if err := inv.Unreserve(res.Quantity, now); err != nil {
		return err
	}
	return s.emit(ctx, tx, res.ProductID, domain.EventStockReleased, domain.StockReleased{
		ReservationID:  res.ID,
		OrderID:        res.OrderID,
		ProductID:      res.ProductID,
		Quantity:       res.Quantity,
		Reason:         reason,
		AvailableStock: inv.Available(),
		Version:        inv.Version,
	})
}

var errAlreadyUndone = errors.New("reservation already undone")

// Return undoes a reservation whatever became of it: a held reservation is
// released, a confirmed one puts its units back into stock. A reservation
// that was already released, expired or returned is left as it is.
func (s *Service) Return(ctx context.Context, reservationID, reason string) (domain.Reservation, error) {
	var restocked bool
	res, err := s.mutateReservation(ctx, reservationID, func(ctx context.Context, tx Tx, res *domain.Reservation, inv *domain.Inventory, now time.Time) error {
		switch {
		case res.IsUndone():
			return errAlreadyUndone
		case res.Status == domain.ReservationConfirmed:
			previous := inv.TotalStock
			if err := res.Return(reason, now); err != nil {
				return err
			}
			if err := inv.Restock(res.Quantity, now); err != nil {
				return err
			}
			restocked = true
			return s.emit(ctx, tx, res.ProductID, domain.EventStockUpdated, domain.StockUpdated{
				ProductID:     res.ProductID,
				PreviousTotal: previous,
				TotalStock:    inv.TotalStock,
				ReservedStock: inv.ReservedStock,
				Reason:        "reservation " + res.ID + " returned: " + reason,
				Version:       inv.Version,
			})
		default:
			return s.release(ctx, tx, res, inv, reason, now)
		}
	})
	if errors.Is(err, errAlreadyUndone) {
		return s.repo.Reservation(ctx, reservationID)
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	s.log.InfoContext(ctx, "reservation returned", "reservation_id", res.ID, "product_id", res.ProductID,
		"status", res.Status, "restocked", restocked, "reason", reason)
	return res, nil
}

func (s *Service) UpdateStock(ctx context.Context, cmd UpdateStockCommand) (StockView, error) {
	if cmd.ProductID == "" {
		return StockView{}, apperr.New(apperr.ValidationError, "inventory.UpdateStock", "product id is required")
	}
	if (cmd.Delta == nil) == (cmd.Absolute == nil) {
		return StockView{}, apperr.New(apperr.ValidationError, "inventory.UpdateStock", "exactly one of delta and absolute is required")
	}
	if cmd.LowStockThreshold != nil && *cmd.LowStockThreshold < 0 {
		return StockView{}, apperr.New(apperr.ValidationError, "inventory.UpdateStock", "low stock threshold cannot be negative")
	}

	var view StockView
	err := s.locks.WithLock(ctx, LockKey(cmd.ProductID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			now := s.clock.Now()
			inv, err := tx.Inventory(ctx, cmd.ProductID)
			created := false
			if apperr.Is(err, apperr.NotFound) {
				inv = domain.NewInventory(uuid.NewString(), cmd.ProductID, s.cfg.LowStockThreshold, now)
				created = true
			} else if err != nil {
				return err
			}

			expected := inv.Version
			previous := inv.TotalStock
			wasLow := !created && inv.IsLow()
			if cmd.LowStockThreshold != nil {
				inv.LowStockThreshold = *cmd.LowStockThreshold
			}
			if cmd.Absolute != nil {
				err = inv.SetTotal(*cmd.Absolute, now)
			} else {
				err = inv.Adjust(*cmd.Delta, now)
			}
			if err != nil {
				return err
			}

			if created {
				err = tx.InsertInventory(ctx, inv)
			} else {
				err = tx.UpdateInventory(ctx, inv, expected)
			}
			if err != nil {
				return err
			}
			if err := s.emit(ctx, tx, cmd.ProductID, domain.EventStockUpdated, domain.StockUpdated{
				ProductID:     inv.ProductID,
				PreviousTotal: previous,
				TotalStock:    inv.TotalStock,
				ReservedStock: inv.ReservedStock,
				Reason:        cmd.Reason,
				Version:       inv.Version,
			}); err != nil {
				return err
			}
			view = viewOf(inv)
			return s.lowStock(ctx, tx, inv, wasLow)
		})
	})
	if err != nil {
		return StockView{}, err
	}
	s.log.InfoContext(ctx, "stock updated", "product_id", cmd.ProductID, "total", view.TotalStock, "reason", cmd.Reason)
	return view, nil
}

func (s *Service) GetStock(ctx context.Context, productID string) (StockView, error) {
	inv, err := s.repo.Inventory(ctx, productID)
	if err != nil {
		return StockView{}, err
	}
	return viewOf(inv), nil
}

func (s *Service) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return s.repo.Reservation(ctx, id)
}

type reservationMutation func(ctx context.Context, tx Tx, res *domain.Reservation, inv *domain.Inventory, now time.Time) error

// mutateReservation re-reads the reservation and its inventory under the
// product lock, applies fn and persists both.
func (s *Service) mutateReservation(ctx context.Context, reservationID string, fn reservationMutation) (domain.Reservation, error) {
	current, err := s.repo.Reservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}

	var res domain.Reservation
	err = s.locks.WithLock(ctx, LockKey(current.ProductID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			r, err := tx.Reservation(ctx, reservationID)
			if err != nil {
				return err
			}
			inv, err := tx.Inventory(ctx, r.ProductID)
			if err != nil {
				return err
			}
			expected := inv.Version
			if err := fn(ctx, tx, &r, &inv, s.clock.Now()); err != nil {
				return err
			}
			if err := tx.UpdateInventory(ctx, inv, expected); err != nil {
				return err
			}
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	return res, err
}

// lowStock emits LowStockAlert when available stock has just crossed the
// threshold downwards.
func (s *Service) lowStock(ctx context.Context, tx Tx, inv domain.Inventory, wasLow bool) error {
	if wasLow || !inv.IsLow() {
		return nil
	}
	s.log.WarnContext(ctx, "low stock", "product_id", inv.ProductID, "available", inv.Available(), "threshold", inv.LowStockThreshold)
	return s.emit(ctx, tx, inv.ProductID, domain.EventLowStockAlert, domain.LowStockAlert{
		ProductID:      inv.ProductID,
		AvailableStock: inv.Available(),
		Threshold:      inv.LowStockThreshold,
	})
}

func (s *Service) emit(ctx context.Context, tx Tx, productID, eventType string, payload any) error {
	ev, err := outbox.NewEvent(ctx, domain.AggregateType, productID, eventType, payload, s.clock.Now())
	if err != nil {
		return err
	}
	ev.Headers["source"] = "inventory-service"
	return tx.Append(ctx, ev)
}

func viewOf(inv domain.Inventory) StockView {
	return StockView{
		ProductID:      inv.ProductID,
		TotalStock:     inv.TotalStock,
		ReservedStock:  inv.ReservedStock,
		AvailableStock: inv.Available(),
		Version:        inv.Version,
	}
}
