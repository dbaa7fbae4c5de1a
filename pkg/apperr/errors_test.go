package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(InsufficientStock, "inventory.Reserve", "only %d left", 2)
	wrapped := fmt.Errorf("saga step: %w", base)

	assert.Equal(t, InsufficientStock, KindOf(wrapped))
	assert.True(t, Is(wrapped, InsufficientStock))
	assert.False(t, Is(wrapped, Conflict))
	assert.Equal(t, "only 2 left", Message(wrapped))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := Wrap(Unavailable, "payment.Process", errors.New("connection refused"))
	assert.Equal(t, "payment.Process: connection refused", err.Error())

	err = &Error{Kind: Conflict, Msg: "reservation expired", Err: errors.New("x")}
	assert.Equal(t, "reservation expired: x", err.Error())
}

func TestStatusRoundTrip(t *testing.T) {
	for _, kind := range []Kind{NotFound, Conflict, InsufficientStock, ResourceBusy, ValidationError, Unavailable} {
		st := ToStatus(New(kind, "op", "detail"))
		got := FromStatus("client", st)
		require.Error(t, got)
		assert.Equal(t, kind, KindOf(got), kind)
		assert.Equal(t, "detail", Message(got))
	}
}

func TestFromStatusWithoutKindPrefix(t *testing.T) {
	got := FromStatus("client", status.Error(codes.DeadlineExceeded, "slow"))
	assert.Equal(t, Unavailable, KindOf(got))

	got = FromStatus("client", status.Error(codes.NotFound, "missing"))
	assert.Equal(t, NotFound, KindOf(got))
}
