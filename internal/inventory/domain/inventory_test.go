package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func stocked(total int) Inventory {
	inv := NewInventory("inv-1", "p-1", 2, t0)
	inv.TotalStock = total
	return inv
}

func TestReserveKeepsLedgerBalanced(t *testing.T) {
	inv := stocked(10)

	require.NoError(t, inv.Reserve(4, t0))
	assert.Equal(t, 4, inv.ReservedStock)
	assert.Equal(t, 6, inv.Available())
	assert.Equal(t, int64(1), inv.Version)

	require.NoError(t, inv.Consume(3, t0))
	assert.Equal(t, 7, inv.TotalStock)
	assert.Equal(t, 1, inv.ReservedStock)

	require.NoError(t, inv.Unreserve(1, t0))
	assert.Equal(t, 0, inv.ReservedStock)
	assert.Equal(t, int64(3), inv.Version)
}

func TestReserveInsufficientLeavesInventoryUntouched(t *testing.T) {
	inv := stocked(5)
	before := inv

	err := inv.Reserve(6, t0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InsufficientStock))
	assert.Equal(t, before, inv)
}

func TestReserveRejectsNonPositive(t *testing.T) {
	inv := stocked(5)
	assert.True(t, apperr.Is(inv.Reserve(0, t0), apperr.ValidationError))
	assert.True(t, apperr.Is(inv.Reserve(-2, t0), apperr.ValidationError))
}

func TestSetTotalCannotUndercutReserved(t *testing.T) {
	inv := stocked(10)
	require.NoError(t, inv.Reserve(6, t0))

	assert.True(t, apperr.Is(inv.SetTotal(5, t0), apperr.Conflict))
	assert.True(t, apperr.Is(inv.Adjust(-11, t0), apperr.Conflict))
	require.NoError(t, inv.Adjust(-4, t0))
	assert.Equal(t, 6, inv.TotalStock)
	assert.Equal(t, 0, inv.Available())
}

func TestIsLow(t *testing.T) {
	inv := stocked(3)
	assert.False(t, inv.IsLow())
	require.NoError(t, inv.Reserve(1, t0))
	assert.True(t, inv.IsLow())
}

func TestReservationLifecycle(t *testing.T) {
	res := NewReservation("r-1", "o-1", "p-1", 2, DefaultReservationTTL, t0)
	assert.Equal(t, t0.Add(15*time.Minute), res.ExpiresAt)
	assert.True(t, res.IsActive(t0.Add(14*time.Minute)))
	assert.False(t, res.IsExpired(t0.Add(15*time.Minute)))
	assert.True(t, res.IsExpired(t0.Add(16*time.Minute)))

	require.NoError(t, res.Confirm(t0.Add(time.Minute)))
	assert.Equal(t, ReservationConfirmed, res.Status)

	err := res.Confirm(t0.Add(2 * time.Minute))
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.True(t, apperr.Is(res.Release("late", t0), apperr.Conflict))
	assert.False(t, res.IsExpired(t0.Add(time.Hour)), "terminal reservations never expire")
}

func TestConfirmAfterExpiryConflicts(t *testing.T) {
	res := NewReservation("r-1", "o-1", "p-1", 2, time.Minute, t0)

	err := res.Confirm(t0.Add(2 * time.Minute))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, ReservationReserved, res.Status)
}

func TestExpireOnlyOnceElapsed(t *testing.T) {
	res := NewReservation("r-1", "o-1", "p-1", 2, time.Minute, t0)
	assert.True(t, apperr.Is(res.Expire(t0), apperr.Conflict))

	require.NoError(t, res.Expire(t0.Add(2*time.Minute)))
	assert.Equal(t, ReservationExpired, res.Status)
	assert.True(t, apperr.Is(res.Expire(t0.Add(3*time.Minute)), apperr.Conflict))
}

func TestReturnOnlyFromConfirmed(t *testing.T) {
	res := NewReservation("r-1", "o-1", "p-1", 2, DefaultReservationTTL, t0)
	assert.True(t, apperr.Is(res.Return("x", t0), apperr.Conflict))
	assert.False(t, res.IsUndone())

	require.NoError(t, res.Confirm(t0))
	require.NoError(t, res.Return("order not confirmed", t0))
	assert.Equal(t, ReservationReturned, res.Status)
	assert.True(t, res.IsUndone())
	assert.True(t, apperr.Is(res.Return("again", t0), apperr.Conflict))

	inv := stocked(5)
	require.NoError(t, inv.Restock(2, t0))
	assert.Equal(t, 7, inv.TotalStock)
	assert.True(t, apperr.Is(inv.Restock(0, t0), apperr.ValidationError))
}
