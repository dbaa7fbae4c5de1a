package domain

import (
	"time"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	// ReservationReturned is a confirmed reservation whose units went back
	// into stock.
	ReservationReturned  ReservationStatus = "RETURNED"
)

const DefaultReservationTTL = 15 * time.Minute

type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	Status    ReservationStatus
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewReservation(id, orderID, productID string, qty int, ttl time.Duration, now time.Time) Reservation {
	return Reservation{
		ID:        id,
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    ReservationReserved,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r Reservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationReserved && now.After(r.ExpiresAt)
}

func (r Reservation) IsActive(now time.Time) bool {
	return r.Status == ReservationReserved && !r.IsExpired(now)
}

func (r *Reservation) Confirm(now time.Time) error {
	if err := r.requireReserved("reservation.Confirm"); err != nil {
		return err
	}
	if r.IsExpired(now) {
		return apperr.New(apperr.Conflict, "reservation.Confirm", "reservation %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339))
	}
	r.transition(ReservationConfirmed, "", now)
	return nil
}

func (r *Reservation) Release(reason string, now time.Time) error {
	if err := r.requireReserved("reservation.Release"); err != nil {
		return err
	}
	r.transition(ReservationReleased, reason, now)
	return nil
}

// Return undoes a confirmed reservation.
func (r *Reservation) Return(reason string, now time.Time) error {
	if r.Status != ReservationConfirmed {
		return apperr.New(apperr.Conflict, "reservation.Return", "reservation %s is %s", r.ID, r.Status)
	}
	r.transition(ReservationReturned, reason, now)
	return nil
}

// IsUndone reports whether the reserved units are no longer held or consumed.
func (r Reservation) IsUndone() bool {
	switch r.Status {
	case ReservationReleased, ReservationExpired, ReservationReturned:
		return true
	}
	return false
}

func (r *Reservation) Expire(now time.Time) error {
	if err := r.requireReserved("reservation.Expire"); err != nil {
		return err
	}
	if !r.IsExpired(now) {
		return apperr.New(apperr.Conflict, "reservation.Expire", "reservation %s is still active", r.ID)
	}
	r.transition(ReservationExpired, "ttl elapsed", now)
	return nil
}

func (r *Reservation) requireReserved(op string) error {
	if r.Status != ReservationReserved {
		return apperr.New(apperr.Conflict, op, "reservation %s is %s", r.ID, r.Status)
	}
	return nil
}

func (r *Reservation) transition(to ReservationStatus, reason string, now time.Time) {
	r.Status = to
	r.Reason = reason
	r.UpdatedAt = now
}
