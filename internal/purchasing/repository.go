package purchasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists purchase orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures rerun the whole callback via shared.RetryTx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return shared.RetryTx(ctx, func(ctx context.Context) error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &txRepo{tx: tx}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

const orderColumns = `id, number, supplier_id, location_id, status, notes, created_at, updated_at, approved_at`

// GetOrder loads one order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = loadItems(ctx, r.pool, po.ID)
	return po, err
}

// ListOrders lists orders matching the filter, newest first.
func (r *Repository) ListOrders(ctx context.Context, filter Filter) ([]PurchaseOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_orders WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.SupplierID != 0 {
		query += fmt.Sprintf(" AND supplier_id=$%d", idx)
		args = append(args, filter.SupplierID)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, string(filter.Status))
		idx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []PurchaseOrder
	for rows.Next() {
		po, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range orders {
		items, err := loadItems(ctx, r.pool, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = loadItems(ctx, r.tx, po.ID)
	return po, err
}

func (r *txRepo) InsertOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, location_id, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		po.Number, po.SupplierID, po.LocationID, string(po.Status), po.Notes).
		Scan(&po.ID, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		return PurchaseOrder{}, err
	}
	for i, item := range po.Items {
		err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_items (order_id, product_id, variant_id, quantity, received_quantity, unit_cost)
			VALUES ($1, $2, $3, $4, 0, $5)
			RETURNING id`,
			po.ID, item.ProductID, item.VariantID, item.Quantity, item.UnitCost).Scan(&item.ID)
		if err != nil {
			return PurchaseOrder{}, err
		}
		item.OrderID = po.ID
		po.Items[i] = item
	}
	return po, nil
}

func (r *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, approvedAt *time.Time) error {
	var stamp pgtype.Timestamptz
	if approvedAt != nil {
		stamp = pgtype.Timestamptz{Time: *approvedAt, Valid: true}
	}
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders
		SET status=$2, approved_at=COALESCE($3, approved_at), updated_at=NOW()
		WHERE id=$1`, id, string(status), stamp)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) UpdateItemReceived(ctx context.Context, itemID int64, received float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_order_items SET received_quantity=$2 WHERE id=$1`, itemID, received)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) NextNumber(ctx context.Context, docType, period string) (int64, error) {
	return shared.NextSequence(ctx, r.tx, docType, period)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q querier, orderID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, variant_id, quantity, received_quantity, unit_cost
		FROM purchase_order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.Quantity, &item.ReceivedQuantity, &item.UnitCost); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (PurchaseOrder, error) {
	var po PurchaseOrder
	var approved pgtype.Timestamptz
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.LocationID, &po.Status, &po.Notes, &po.CreatedAt, &po.UpdatedAt, &approved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	if approved.Valid {
		po.ApprovedAt = &approved.Time
	}
	return po, nil
}
