package outbox

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{log: log, pool: pool}
}

func (s *PostgresStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT o.id
			FROM outbox o
			WHERE o.processed = false
			  AND (o.lease_until IS NULL OR o.lease_until < now())
			  AND NOT EXISTS (
				SELECT 1 FROM outbox p
				WHERE p.aggregate_type = o.aggregate_type
				  AND p.aggregate_id = o.aggregate_id
				  AND p.processed = false
				  AND (p.created_at, p.id) < (o.created_at, o.id)
				  AND p.lease_until >= now()
			  )
			ORDER BY o.created_at, o.id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox
		SET relay_id = $2, lease_until = now() + ($3 * interval '1 millisecond')
		FROM candidates
		WHERE outbox.id = candidates.id
		RETURNING outbox.id, outbox.event_id, outbox.aggregate_type, outbox.aggregate_id, outbox.type,
			outbox.payload, outbox.headers, outbox.traceparent, outbox.occurred_at, outbox.created_at,
			outbox.attempts, outbox.last_error`,
		batchSize, relayID, lease.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var headers map[string]string
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.AggregateType, &ev.AggregateID, &ev.Type,
			&ev.Payload, &headers, &ev.Traceparent, &ev.OccurredAt, &ev.CreatedAt,
			&ev.Attempts, &ev.LastError); err != nil {
			return nil, err
		}
		ev.Headers = headers
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox
		SET processed = true, processed_at = now(), last_error = NULL, relay_id = NULL, lease_until = NULL
		WHERE id = ANY($1)`, ids)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox
		SET last_error = $2, attempts = attempts + 1, relay_id = NULL, lease_until = NULL
		WHERE id = $1`, id, errMsg)
	return err
}

func (s *PostgresStore) Release(ctx context.Context, relayID string, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET relay_id = NULL, lease_until = NULL
		WHERE id = ANY($1) AND relay_id = $2`, ids, relayID)
	return err
}

func (s *PostgresStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET lease_until = now() + ($1 * interval '1 millisecond')
		WHERE id = ANY($2) AND relay_id = $3`, lease.Milliseconds(), ids, relayID)
	return err
}
