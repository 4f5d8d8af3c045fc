package workshop

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists service orders in PostgreSQL.
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

const orderColumns = `id, uid, number, customer_id, location_id, status, description, COALESCE(invoice_id, 0), created_at, updated_at`

// GetOrder loads one order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (ServiceOrder, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM service_orders WHERE id=$1`, id))
	if err != nil {
		return ServiceOrder{}, err
	}
	order.Items, err = loadItems(ctx, r.pool, order.ID)
	return order, err
}

// ListOrders lists orders matching the filter, newest first.
func (r *Repository) ListOrders(ctx context.Context, filter Filter) ([]ServiceOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM service_orders WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.CustomerID != 0 {
		query += fmt.Sprintf(" AND customer_id=$%d", idx)
		args = append(args, filter.CustomerID)
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

	var orders []ServiceOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
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

func (r *txRepo) GetOrderForUpdate(ctx context.Context, id int64) (ServiceOrder, error) {
	order, err := scanOrder(r.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM service_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return ServiceOrder{}, err
	}
	order.Items, err = loadItems(ctx, r.tx, order.ID)
	return order, err
}

func (r *txRepo) InsertOrder(ctx context.Context, order ServiceOrder) (ServiceOrder, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO service_orders
		(uid, number, customer_id, location_id, status, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		order.UID, order.Number, order.CustomerID, order.LocationID, string(order.Status), order.Description).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	return order, err
}

func (r *txRepo) InsertItem(ctx context.Context, item OrderItem) (OrderItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO service_order_items
		(order_id, product_id, variant_id, description, quantity, unit_price, unit_cost)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7)
		RETURNING id`,
		item.OrderID, item.ProductID, item.VariantID, item.Description, item.Quantity,
		decimalToNumeric(item.UnitPrice), item.UnitCost).Scan(&item.ID)
	return item, err
}

func (r *txRepo) UpdateOrder(ctx context.Context, id int64, status Status, invoiceID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE service_orders
		SET status=$2, invoice_id=NULLIF($3, 0), updated_at=NOW() WHERE id=$1`,
		id, string(status), invoiceID)
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

func loadItems(ctx context.Context, q querier, orderID int64) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, COALESCE(product_id, 0), variant_id, description, quantity, unit_price, unit_cost
		FROM service_order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		var price pgtype.Numeric
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.VariantID, &item.Description,
			&item.Quantity, &price, &item.UnitCost); err != nil {
			return nil, err
		}
		item.UnitPrice = numericToDecimal(price)
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (ServiceOrder, error) {
	var order ServiceOrder
	err := row.Scan(&order.ID, &order.UID, &order.Number, &order.CustomerID, &order.LocationID,
		&order.Status, &order.Description, &order.InvoiceID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceOrder{}, shared.ErrNotFound
		}
		return ServiceOrder{}, err
	}
	return order, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.String())
	return n
}
