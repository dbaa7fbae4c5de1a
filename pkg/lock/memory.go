package lock

import (
	"context"
	"sync"
	"time"

	"github.com/dmehra2102/orderflow/pkg/clock"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend is a single-process Backend whose expiry follows the given
// clock.
type MemoryBackend struct {
	mu    sync.Mutex
	clock clock.Clock
	keys  map[string]entry
}

func NewMemoryBackend(c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryBackend{clock: c, keys: make(map[string]entry)}
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if e, ok := b.keys[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	b.keys[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	delete(b.keys, key)
	return true, nil
}

func (b *MemoryBackend) Renew(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	e.expiresAt = b.clock.Now().Add(ttl)
	b.keys[key] = e
	return true, nil
}

func (b *MemoryBackend) live(key string) (entry, bool) {
	e, ok := b.keys[key]
	if !ok {
		return entry{}, false
	}
	if !b.clock.Now().Before(e.expiresAt) {
		delete(b.keys, key)
		return entry{}, false
	}
	return e, true
}
