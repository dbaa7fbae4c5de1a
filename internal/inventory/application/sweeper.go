package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmehra2102/orderflow/internal/inventory/domain"
)

// ExpireReservations expires one batch of reservations whose TTL elapsed
// while still RESERVED and returns how many it expired. Each reservation is
// re-read under its product lock, so one confirmed or released in the
// meantime is left alone.
func (s *Service) ExpireReservations(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.ExpiredReservations(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range due {
		ok, err := s.expire(ctx, candidate)
		if err != nil {
			s.log.WarnContext(ctx, "reservation expiry failed", "reservation_id", candidate.ID, "product_id", candidate.ProductID, "err", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, candidate domain.Reservation) (bool, error) {
	done := false
	err := s.locks.WithLock(ctx, LockKey(candidate.ProductID), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			now := s.clock.Now()
			res, err := tx.Reservation(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !res.IsExpired(now) {
				return nil
			}
			inv, err := tx.Inventory(ctx, res.ProductID)
			if err != nil {
				return err
			}
			expected := inv.Version
			if err := res.Expire(now); err != nil {
				return err
			}
			if err := inv.Unreserve(res.Quantity, now); err != nil {
				return err
			}
			if err := tx.UpdateInventory(ctx, inv, expected); err != nil {
				return err
			}
			if err := tx.UpdateReservation(ctx, res); err != nil {
				return err
			}
			done = true
			return s.emit(ctx, tx, res.ProductID, domain.EventReservationExpired, domain.ReservationExpiredPayload{
				ReservationID:  res.ID,
				OrderID:        res.OrderID,
				ProductID:      res.ProductID,
				Quantity:       res.Quantity,
				ExpiredAt:      now,
				AvailableStock: inv.Available(),
			})
		})
	})
	if err != nil {
		return false, err
	}
	if done {
		s.log.InfoContext(ctx, "reservation expired", "reservation_id", candidate.ID, "product_id", candidate.ProductID)
	}
	return done, nil
}

type Sweeper struct {
	log      *slog.Logger
	svc      *Service
	interval time.Duration
}

func NewSweeper(log *slog.Logger, svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{log: log, svc: svc, interval: interval}
}

func (w *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("reservation sweeper stopping")
			return nil
		case <-t.C:
			for {
				n, err := w.svc.ExpireReservations(ctx)
				if err != nil {
					w.log.Error("reservation sweep failed", "err", err)
					break
				}
				if n > 0 {
					w.log.Info("reservations expired", "count", n)
				}
				// a full batch may leave more behind
				if n < w.svc.cfg.SweepBatch || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
