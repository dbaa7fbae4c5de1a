package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Store struct {
	mu     sync.Mutex
	sagas  map[string]domain.SagaState
	outbox *outbox.MemoryStore
	saves  int
}

func NewStore(ob *outbox.MemoryStore) *Store {
	return &Store{sagas: make(map[string]domain.SagaState), outbox: ob}
}

func (s *Store) Create(_ context.Context, st domain.SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[st.ID]; ok {
		return apperr.New(apperr.Conflict, "saga.Create", "saga %s already exists", st.ID)
	}
	s.sagas[st.ID] = st
	s.saves++
	return nil
}

func (s *Store) Save(_ context.Context, st domain.SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sagas[st.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "saga.Save", "saga %s not found", st.ID)
	}
	if cur.IsTerminal() && cur.Status != st.Status {
		return apperr.New(apperr.Conflict, "saga.Save", "saga %s is already %s", st.ID, cur.Status)
	}
	s.sagas[st.ID] = st
	s.saves++
	return nil
}

func (s *Store) Fail(_ context.Context, st domain.SagaState, ev outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sagas[st.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "saga.Fail", "saga %s not found", st.ID)
	}
	if cur.Status == domain.StatusFailed {
		return apperr.New(apperr.Conflict, "saga.Fail", "saga %s already failed", st.ID)
	}
	s.sagas[st.ID] = st
	s.saves++
	if s.outbox != nil {
		s.outbox.Append(ev)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sagas[id]
	if !ok {
		return domain.SagaState{}, apperr.New(apperr.NotFound, "saga.Get", "saga %s not found", id)
	}
	return st, nil
}

func (s *Store) GetByOrder(_ context.Context, orderID string) (domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sagas {
		if st.OrderID == orderID {
			return st, nil
		}
	}
	return domain.SagaState{}, apperr.New(apperr.NotFound, "saga.GetByOrder", "no saga for order %s", orderID)
}

func (s *Store) Unfinished(_ context.Context, limit int) ([]domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SagaState
	for _, st := range s.sagas {
		if !st.IsTerminal() {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Saves counts successful writes.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
