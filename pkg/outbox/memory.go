package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/dmehra2102/orderflow/pkg/clock"
)

type memEntry struct {
	ev         Event
	relayID    string
	leaseUntil time.Time
}

// MemoryStore keeps outbox entries in process. The in-memory repositories
// append to it from their commit path.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	nextID  int64
	entries []*memEntry
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{clock: c}
}

func (s *MemoryStore) Append(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, ev := range events {
		s.nextID++
		ev.ID = s.nextID
		ev.CreatedAt = now
		ev.Processed = false
		s.entries = append(s.entries, &memEntry{ev: ev})
	}
}

func (s *MemoryStore) LockBatch(_ context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	blocked := map[string]bool{}
	var out []Event
	for _, e := range s.entries {
		if e.ev.Processed {
			continue
		}
		agg := e.ev.AggregateType + "/" + e.ev.AggregateID
		if now.Before(e.leaseUntil) {
			blocked[agg] = true
			continue
		}
		if blocked[agg] {
			continue
		}
		if len(out) == batchSize {
			break
		}
		e.relayID = relayID
		e.leaseUntil = now.Add(lease)
		out = append(out, e.ev)
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, e := range s.find(ids) {
		e.ev.Processed = true
		e.ev.ProcessedAt = &now
		e.ev.LastError = nil
		e.relayID, e.leaseUntil = "", time.Time{}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.find([]int64{id}) {
		msg := errMsg
		e.ev.LastError = &msg
		e.ev.Attempts++
		e.relayID, e.leaseUntil = "", time.Time{}
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, relayID string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.find(ids) {
		if e.relayID == relayID {
			e.relayID, e.leaseUntil = "", time.Time{}
		}
	}
	return nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, relayID string, ids []int64, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, e := range s.find(ids) {
		if e.relayID == relayID {
			e.leaseUntil = now.Add(lease)
		}
	}
	return nil
}

// Events returns a snapshot of every entry in append order.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.ev)
	}
	return out
}

// OfType returns the entries whose type is eventType.
func (s *MemoryStore) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *MemoryStore) find(ids []int64) []*memEntry {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*memEntry
	for _, e := range s.entries {
		if want[e.ev.ID] {
			out = append(out, e)
		}
	}
	return out
}
