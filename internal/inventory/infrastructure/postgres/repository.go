package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	"github.com/dmehra2102/orderflow/internal/inventory/domain"
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
	return &Repository{
		log:  log,
		pool: pool,
	}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("inventory schema: %w", err)
	}
	return outbox.Migrate(ctx, r.pool)
}

// querier is the read half shared by the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) Inventory(ctx context.Context, productID string) (domain.Inventory, error) {
	return getInventory(ctx, r.pool, productID, false)
}

func (r *Repository) Reservation(ctx context.Context, id string) (domain.Reservation, error) {
	return getReservation(ctx, r.pool, id, false)
}

func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_id, product_id, quantity, status, reason, expires_at, created_at, updated_at
		FROM reservations
		WHERE status = 'RESERVED' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.OrderID, &res.ProductID, &res.Quantity, &res.Status, &res.Reason,
			&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
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

func (t *pgTx) Inventory(ctx context.Context, productID string) (domain.Inventory, error) {
	return getInventory(ctx, t.tx, productID, true)
}

func (t *pgTx) InsertInventory(ctx context.Context, inv domain.Inventory) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO inventory (id, product_id, total_stock, reserved_stock, version, low_stock_threshold, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		inv.ID, inv.ProductID, inv.TotalStock, inv.ReservedStock, inv.Version, inv.LowStockThreshold, inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (t *pgTx) UpdateInventory(ctx context.Context, inv domain.Inventory, expectedVersion int64) error {
	ct, err := t.tx.Exec(ctx, `UPDATE inventory
		SET total_stock = $2, reserved_stock = $3, version = $4, low_stock_threshold = $5, updated_at = $6
		WHERE product_id = $1 AND version = $7`,
		inv.ProductID, inv.TotalStock, inv.ReservedStock, inv.Version, inv.LowStockThreshold, inv.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "inventory.Update", "inventory %s changed concurrently (expected version %d)", inv.ProductID, expectedVersion)
	}
	return nil
}

func (t *pgTx) Reservation(ctx context.Context, id string) (domain.Reservation, error) {
	return getReservation(ctx, t.tx, id, true)
}

func (t *pgTx) InsertReservation(ctx context.Context, res domain.Reservation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO reservations (id, order_id, product_id, quantity, status, reason, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		res.ID, res.OrderID, res.ProductID, res.Quantity, res.Status, res.Reason, res.ExpiresAt, res.CreatedAt, res.UpdatedAt)
	return err
}

func (t *pgTx) UpdateReservation(ctx context.Context, res domain.Reservation) error {
	ct, err := t.tx.Exec(ctx, `UPDATE reservations SET status = $2, reason = $3, updated_at = $4 WHERE id = $1`,
		res.ID, res.Status, res.Reason, res.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "reservation.Update", "reservation %s not found", res.ID)
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, ev outbox.Event) error {
	return outbox.Append(ctx, t.tx, ev)
}

func getInventory(ctx context.Context, q querier, productID string, forUpdate bool) (domain.Inventory, error) {
	sql := `SELECT id, product_id, total_stock, reserved_stock, version, low_stock_threshold, created_at, updated_at
		FROM inventory WHERE product_id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var inv domain.Inventory
	err := q.QueryRow(ctx, sql, productID).Scan(&inv.ID, &inv.ProductID, &inv.TotalStock, &inv.ReservedStock,
		&inv.Version, &inv.LowStockThreshold, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Inventory{}, apperr.New(apperr.NotFound, "inventory.Get", "no inventory for product %s", productID)
	}
	return inv, err
}

func getReservation(ctx context.Context, q querier, id string, forUpdate bool) (domain.Reservation, error) {
	sql := `SELECT id, order_id, product_id, quantity, status, reason, expires_at, created_at, updated_at
		FROM reservations WHERE id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}
	var res domain.Reservation
	err := q.QueryRow(ctx, sql, id).Scan(&res.ID, &res.OrderID, &res.ProductID, &res.Quantity, &res.Status, &res.Reason,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, apperr.New(apperr.NotFound, "reservation.Get", "reservation %s not found", id)
	}
	return res, err
}
