// Package lock implements a lease based mutual exclusion primitive shared by
// every service instance.
//
// Acquisition is a single atomic set-if-absent with expiry. Release is a
// compare-and-delete on the lease token, so a holder whose lease expired can
// never delete a lease that another holder acquired afterwards.
//
// Callers that must keep a lease across slow work renew it with Lease.Renew
// before the TTL elapses; Manager does not renew on its own.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/metrics"
)

const keyPrefix = "lock:"

var ErrLeaseExpired = errors.New("lock lease expired")

// Backend is any store with an atomic conditional set with expiry.
type Backend interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

type Lease struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time

	backend Backend
}

// Renew extends the lease while the token still owns the key.
func (l *Lease) Renew(ctx context.Context) error {
	ok, err := l.backend.Renew(ctx, keyPrefix+l.Key, l.Token, l.TTL)
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.Key, err)
	}
	if !ok {
		return ErrLeaseExpired
	}
	return nil
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithRetry bounds acquisition to attempts tries, sleeping backoff*2^n
// between them, capped at maxBackoff.
func WithRetry(attempts int, backoff, maxBackoff time.Duration) Option {
	return func(m *Manager) {
		m.attempts = attempts
		m.backoff = backoff
		m.maxBackoff = maxBackoff
	}
}

// WithSleeper replaces the wait between acquisition attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithHoldHook runs hook inside every critical section, right after the
// lease is acquired. Tests use it to widen the window in which a competing
// caller observes the lock as held.
func WithHoldHook(hook func(ctx context.Context, key string)) Option {
	return func(m *Manager) { m.hold = hook }
}

type Manager struct {
	log        *slog.Logger
	backend    Backend
	ttl        time.Duration
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	hold       func(ctx context.Context, key string)
	now        func() time.Time
	busy       metric.Int64Counter
}

func NewManager(log *slog.Logger, backend Backend, opts ...Option) *Manager {
	m := &Manager{
		log:        log,
		backend:    backend,
		ttl:        10 * time.Second,
		attempts:   10,
		backoff:    50 * time.Millisecond,
		maxBackoff: 500 * time.Millisecond,
		sleep:      sleepCtx,
		now:        func() time.Time { return time.Now().UTC() },
		busy:       metrics.Counter(metrics.Meter("orderflow/lock"), "lock.busy", "lock acquisitions that gave up"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.attempts < 1 {
		m.attempts = 1
	}
	return m
}

// Acquire takes the lease for key with the manager's TTL.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	return m.acquire(ctx, key, m.ttl, m.attempts)
}

// AcquireFor is Acquire with a lease duration chosen by the caller.
func (m *Manager) AcquireFor(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.acquire(ctx, key, ttl, m.attempts)
}

// TryAcquire makes a single attempt and returns ResourceBusy at once if
// another holder owns key.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.acquire(ctx, key, ttl, 1)
}

func (m *Manager) acquire(ctx context.Context, key string, ttl time.Duration, attempts int) (*Lease, error) {
	token := uuid.NewString()
	wait := m.backoff

	for attempt := 1; attempt <= attempts; attempt++ {
		ok, err := m.backend.TryAcquire(ctx, keyPrefix+key, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return &Lease{Key: key, Token: token, TTL: ttl, AcquiredAt: m.now(), backend: m.backend}, nil
		}
		if attempt == attempts {
			break
		}
		if err := m.sleep(ctx, wait); err != nil {
			return nil, apperr.Wrap(apperr.ResourceBusy, "lock.Acquire", err)
		}
		wait *= 2
		if m.maxBackoff > 0 && wait > m.maxBackoff {
			wait = m.maxBackoff
		}
	}

	m.busy.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
	m.log.WarnContext(ctx, "lock busy", "key", key, "attempts", attempts)
	return nil, apperr.New(apperr.ResourceBusy, "lock.Acquire", "resource %s is busy", key)
}

// Release deletes the lease only if it is still owned by l.Token.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	ok, err := m.backend.Release(ctx, keyPrefix+l.Key, l.Token)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Key, err)
	}
	if !ok {
		return ErrLeaseExpired
	}
	return nil
}

// WithLock runs fn while holding the lease for key. The lease is released on
// every exit path; a lease that expired while fn ran is reported through the
// log and otherwise ignored since fn's result already stands.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	lease, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := m.Release(relCtx, lease); rerr != nil {
			m.log.WarnContext(ctx, "lock release failed", "key", key, "held_for", m.now().Sub(lease.AcquiredAt), "err", rerr)
		}
	}()

	if m.hold != nil {
		m.hold(ctx, key)
	}
	return fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
