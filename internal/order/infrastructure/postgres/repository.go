package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/order/application"
	"github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

//go:embed schema.sql
var schema string

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("order schema: %w", err)
	}
	return outbox.Migrate(ctx, r.pool)
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	return get(ctx, r.pool, id, false)
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

func (t *pgTx) Order(ctx context.Context, id string) (domain.Order, error) {
	return get(ctx, t.tx, id, true)
}

func (t *pgTx) Insert(ctx context.Context, o domain.Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders (id, user_id, shipping_address, total_cents, currency, status, status_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.UserID, o.ShippingAddress, o.TotalCents, o.Currency, o.Status, o.StatusMessage, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, product_id, quantity, unit_price_cents) VALUES ($1,$2,$3,$4)`,
			o.ID, item.ProductID, item.Quantity, item.UnitPriceCents)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) Update(ctx context.Context, o domain.Order) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status = $2, status_message = $3, updated_at = $4 WHERE id = $1`,
		o.ID, o.Status, o.StatusMessage, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "order.Update", "order %s not found", o.ID)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, ev outbox.Event) error {
	return outbox.Append(ctx, t.tx, ev)
}

func get(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Order, error) {
	sql := `SELECT id, user_id, shipping_address, total_cents, currency, status, status_message, created_at, updated_at
		FROM orders WHERE id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var o domain.Order
	err := q.QueryRow(ctx, sql, id).
		Scan(&o.ID, &o.UserID, &o.ShippingAddress, &o.TotalCents, &o.Currency, &o.Status, &o.StatusMessage, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, apperr.New(apperr.NotFound, "order.Get", "order %s not found", id)
	}
	if err != nil {
		return domain.Order{}, err
	}

	rows, err := q.Query(ctx, `SELECT product_id, quantity, unit_price_cents FROM order_items WHERE order_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPriceCents); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}
