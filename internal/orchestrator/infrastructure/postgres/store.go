package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

//go:embed schema.sql
var schema string

const columns = `id, order_id, user_id, payment_method, payment_details, status, current_step,
	completed_steps, abandoned_steps, reservation_ids, payment_id, error, attempts,
	needs_intervention, created_at, updated_at`

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("saga schema: %w", err)
	}
	return outbox.Migrate(ctx, s.pool)
}

func (s *Store) Create(ctx context.Context, st domain.SagaState) error {
	details, err := json.Marshal(st.PaymentDetails)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sagas (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		st.ID, st.OrderID, st.UserID, st.PaymentMethod, details, st.Status, st.CurrentStep,
		steps(st.CompletedSteps), steps(st.AbandonedSteps), nonNil(st.ReservationIDs), st.PaymentID, st.Error,
		st.Attempts, st.NeedsIntervention, st.CreatedAt, st.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.Conflict, "saga.Create", "saga for order %s already exists", st.OrderID)
	}
	return err
}

func (s *Store) Save(ctx context.Context, st domain.SagaState) error {
	_, err := update(ctx, s.pool, st, false)
	return err
}

// Fail writes the FAILED state and its outbox event in one transaction.
// The status guard in the UPDATE makes a second call a Conflict.
func (s *Store) Fail(ctx context.Context, st domain.SagaState, ev outbox.Event) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	n, err := update(ctx, tx, st, true)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.Conflict, "saga.Fail", "saga %s already failed", st.ID)
	}
	if err := outbox.Append(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (domain.SagaState, error) {
	st, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM sagas WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SagaState{}, apperr.New(apperr.NotFound, "saga.Get", "saga %s not found", id)
	}
	return st, err
}

func (s *Store) GetByOrder(ctx context.Context, orderID string) (domain.SagaState, error) {
	st, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM sagas WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SagaState{}, apperr.New(apperr.NotFound, "saga.GetByOrder", "no saga for order %s", orderID)
	}
	return st, err
}

func (s *Store) Unfinished(ctx context.Context, limit int) ([]domain.SagaState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM sagas
		WHERE status NOT IN ('COMPLETED', 'FAILED')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SagaState
	for rows.Next() {
		st, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// update never moves a terminal row to another status. With failing set
// it refuses a row that is already FAILED.
func update(ctx context.Context, db execer, st domain.SagaState, failing bool) (int64, error) {
	guard := `(status NOT IN ('COMPLETED', 'FAILED') OR status = $2)`
	if failing {
		guard = `status <> 'FAILED'`
	}
	ct, err := db.Exec(ctx, `UPDATE sagas SET
			status = $2, current_step = $3, completed_steps = $4, abandoned_steps = $5,
			reservation_ids = $6, payment_id = $7, error = $8, attempts = $9,
			needs_intervention = $10, updated_at = $11
		WHERE id = $1 AND `+guard,
		st.ID, st.Status, st.CurrentStep, steps(st.CompletedSteps), steps(st.AbandonedSteps),
		nonNil(st.ReservationIDs), st.PaymentID, st.Error, st.Attempts, st.NeedsIntervention, st.UpdatedAt)
	if err != nil {
		return 0, err
	}
	if ct.RowsAffected() == 0 && !failing {
		return 0, apperr.New(apperr.Conflict, "saga.Save", "saga %s is missing or already terminal", st.ID)
	}
	return ct.RowsAffected(), nil
}

func scan(row pgx.Row) (domain.SagaState, error) {
	var (
		st                 domain.SagaState
		details            []byte
		completed, abandon []string
	)
	err := row.Scan(&st.ID, &st.OrderID, &st.UserID, &st.PaymentMethod, &details, &st.Status, &st.CurrentStep,
		&completed, &abandon, &st.ReservationIDs, &st.PaymentID, &st.Error, &st.Attempts,
		&st.NeedsIntervention, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return domain.SagaState{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &st.PaymentDetails); err != nil {
			return domain.SagaState{}, fmt.Errorf("saga %s payment details: %w", st.ID, err)
		}
	}
	for _, c := range completed {
		st.CompletedSteps = append(st.CompletedSteps, domain.Step(c))
	}
	for _, a := range abandon {
		st.AbandonedSteps = append(st.AbandonedSteps, domain.Step(a))
	}
	return st, nil
}

func steps(in []domain.Step) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
