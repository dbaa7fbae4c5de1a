package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

func TestFailIsStoredOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ob := outbox.NewMemoryStore(clock.NewFake(now))
	s := NewStore(ob)

	st := domain.NewSaga("s1", "o1", "u1", "card", nil, now)
	require.NoError(t, s.Create(ctx, st))
	assert.True(t, apperr.Is(s.Create(ctx, st), apperr.Conflict))

	st.Status = domain.StatusFailed
	ev, err := outbox.NewEvent(ctx, domain.AggregateType, st.ID, domain.EventSagaFailed, domain.FailedEvent(st), now)
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, st, ev))
	assert.True(t, apperr.Is(s.Fail(ctx, st, ev), apperr.Conflict))
	assert.Len(t, ob.OfType(domain.EventSagaFailed), 1)

	st.Status = domain.StatusCompensating
	assert.True(t, apperr.Is(s.Save(ctx, st), apperr.Conflict), "terminal sagas do not move")
}

func TestUnfinishedOldestFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(nil)

	require.NoError(t, s.Create(ctx, domain.NewSaga("late", "o2", "u", "card", nil, now.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, domain.NewSaga("early", "o1", "u", "card", nil, now)))
	done := domain.NewSaga("done", "o3", "u", "card", nil, now)
	done.Status = domain.StatusCompleted
	require.NoError(t, s.Create(ctx, done))

	got, err := s.Unfinished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ID)

	byOrder, err := s.GetByOrder(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, "late", byOrder.ID)

	_, err = s.GetByOrder(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
