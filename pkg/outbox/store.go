package outbox

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

// Execer is the write half of pgx.Tx, pgx.Conn and pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func Migrate(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, schema)
	return err
}

// Append writes ev through the caller's transaction, so the row commits or
// rolls back together with the aggregate change it documents.
func Append(ctx context.Context, tx Execer, ev Event) error {
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := tx.Exec(ctx, `INSERT INTO outbox (event_id, aggregate_type, aggregate_id, type, payload, headers, traceparent, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.EventID, ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, headers, ev.Traceparent, ev.OccurredAt)
	return err
}

type Store interface {
	// LockBatch leases up to batchSize unprocessed entries ordered by
	// creation. An entry is never leased while an older unprocessed entry of
	// the same aggregate is leased by someone else.
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	// MarkFailed records errMsg and returns the entry to the pending set.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// Release returns leased entries to the pending set untouched.
	Release(ctx context.Context, relayID string, ids []int64) error
	ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error
}
