package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/payment/application"
	"github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

//go:embed schema.sql
var schema string

const columns = `id, order_id, user_id, amount_cents, currency, method, idempotency_key, status,
	gateway_tx_id, failure_reason, refunded_cents, details, created_at, updated_at`

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("payment schema: %w", err)
	}
	return outbox.Migrate(ctx, r.pool)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) Payment(ctx context.Context, id string) (domain.Payment, error) {
	return getOne(ctx, r.pool, "id = $1", id)
}

func (r *Repository) ByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	return getOne(ctx, r.pool, "idempotency_key = $1", key)
}

func (r *Repository) CompletedForOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return getOne(ctx, r.pool, "order_id = $1 AND status = 'COMPLETED'", orderID)
}

func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Payment(ctx context.Context, id string) (domain.Payment, error) {
	return getOne(ctx, t.tx, "id = $1 FOR UPDATE", id)
}

func (t *pgTx) ByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	return getOne(ctx, t.tx, "idempotency_key = $1", key)
}

func (t *pgTx) CompletedForOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return getOne(ctx, t.tx, "order_id = $1 AND status = 'COMPLETED'", orderID)
}

func (t *pgTx) Insert(ctx context.Context, p domain.Payment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO payments (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.OrderID, p.UserID, p.AmountCents, p.Currency, p.Method, p.IdempotencyKey, p.Status,
		p.GatewayTxID, p.FailureReason, p.RefundedCents, details(p.Details), p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.Conflict, "payment.Insert", "idempotency key %s already used", p.IdempotencyKey)
	}
	return err
}

func (t *pgTx) Update(ctx context.Context, p domain.Payment) error {
	ct, err := t.tx.Exec(ctx, `UPDATE payments
		SET status = $2, gateway_tx_id = $3, failure_reason = $4, refunded_cents = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, p.Status, p.GatewayTxID, p.FailureReason, p.RefundedCents, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.Conflict, "payment.Update", "order %s already has a completed payment", p.OrderID)
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "payment.Update", "payment %s not found", p.ID)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, ev outbox.Event) error {
	return outbox.Append(ctx, t.tx, ev)
}

func getOne(ctx context.Context, q querier, where string, arg any) (domain.Payment, error) {
	var p domain.Payment
	err := q.QueryRow(ctx, `SELECT `+columns+` FROM payments WHERE `+where, arg).Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.AmountCents, &p.Currency, &p.Method, &p.IdempotencyKey, &p.Status,
		&p.GatewayTxID, &p.FailureReason, &p.RefundedCents, &p.Details, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, apperr.New(apperr.NotFound, "payment.Get", "payment not found (%v)", arg)
	}
	return p, err
}

func details(d map[string]string) map[string]string {
	if d == nil {
		return map[string]string{}
	}
	return d
}
