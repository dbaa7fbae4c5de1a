package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which event ids a consumer group has already handled.
type Store struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	group string
}

func NewStore(rdb redis.UniversalClient, group string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, group: group}
}

func (s *Store) Key(eventID string) string {
	return fmt.Sprintf("idem:%s:%s", s.group, eventID)
}

// Seen reports whether eventID was already marked handled.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.Key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records eventID as handled for the store's TTL.
func (s *Store) Mark(ctx context.Context, eventID string) error {
	return s.rdb.Set(ctx, s.Key(eventID), "1", s.ttl).Err()
}
