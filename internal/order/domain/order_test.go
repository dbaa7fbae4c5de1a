package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/pkg/apperr"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewOrderTotals(t *testing.T) {
	o, err := NewOrder("o-1", "u-1", []OrderItem{
		{ProductID: "p-1", Quantity: 2, UnitPriceCents: 5000},
		{ProductID: "p-2", Quantity: 1, UnitPriceCents: 5000},
	}, "1 Main St", "usd", now)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), o.TotalCents)
	assert.Equal(t, "USD", o.Currency)
	assert.Equal(t, StatusPending, o.Status)
}

func TestNewOrderValidation(t *testing.T) {
	cases := map[string][]OrderItem{
		"empty":     nil,
		"no sku":    {{Quantity: 1, UnitPriceCents: 1}},
		"zero qty":  {{ProductID: "p", UnitPriceCents: 1}},
		"duplicate": {{ProductID: "p", Quantity: 1, UnitPriceCents: 1}, {ProductID: "p", Quantity: 1, UnitPriceCents: 1}},
		"free":      {{ProductID: "p", Quantity: 1}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewOrder("o", "u", items, "", "USD", now)
			assert.True(t, apperr.Is(err, apperr.ValidationError))
		})
	}

	_, err := NewOrder("o", "", []OrderItem{{ProductID: "p", Quantity: 1, UnitPriceCents: 1}}, "", "USD", now)
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}

func TestCancelIsIdempotent(t *testing.T) {
	o, err := NewOrder("o", "u", []OrderItem{{ProductID: "p", Quantity: 1, UnitPriceCents: 1}}, "", "", now)
	require.NoError(t, err)

	changed, err := o.Cancel("payment declined", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "payment declined", o.StatusMessage)

	changed, err = o.Cancel("again", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "payment declined", o.StatusMessage)

	assert.True(t, apperr.Is(o.Confirm(now), apperr.Conflict))
}

func TestConfirmedOrderCannotBeCancelled(t *testing.T) {
	o, err := NewOrder("o", "u", []OrderItem{{ProductID: "p", Quantity: 1, UnitPriceCents: 1}}, "", "", now)
	require.NoError(t, err)
	require.NoError(t, o.Confirm(now))

	_, err = o.Cancel("late", now)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}
