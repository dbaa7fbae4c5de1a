// Package sqlite keeps the saga journal: one immutable row per transition,
// stored locally next to the orchestrator.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// pure-Go driver, registered as "sqlite"
	_ "modernc.org/sqlite"

	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_journal (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id    TEXT NOT NULL,
    order_id   TEXT NOT NULL,
    step       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    trace_id   TEXT NOT NULL DEFAULT '',
    span_id    TEXT NOT NULL DEFAULT '',
    at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_journal_saga ON saga_journal(saga_id, id);
CREATE INDEX IF NOT EXISTS idx_saga_journal_trace ON saga_journal(trace_id);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z"

type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Record(ctx context.Context, e application.JournalEntry) error {
	_, err := j.db.ExecContext(ctx, `INSERT INTO saga_journal
		(saga_id, order_id, step, status, error, trace_id, span_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SagaID, e.OrderID, string(e.Step), string(e.Status), e.Error, e.TraceID, e.SpanID,
		e.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlite: record saga %q: %w", e.SagaID, err)
	}
	return nil
}

// Entries returns the journal of one saga in write order.
func (j *Journal) Entries(ctx context.Context, sagaID string) ([]application.JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT saga_id, order_id, step, status, error, trace_id, span_id, at
		FROM saga_journal WHERE saga_id = ? ORDER BY id`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: entries for %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []application.JournalEntry
	for rows.Next() {
		var (
			e            application.JournalEntry
			step, status string
			at           string
		)
		if err := rows.Scan(&e.SagaID, &e.OrderID, &step, &status, &e.Error, &e.TraceID, &e.SpanID, &at); err != nil {
			return nil, err
		}
		e.Step = domain.Step(step)
		e.Status = domain.Status(status)
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("sqlite: bad timestamp %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
