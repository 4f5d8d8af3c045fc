package pos

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

// Repository persists sales invoices in PostgreSQL.
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

const invoiceColumns = `id, uid, number, COALESCE(customer_id, 0), location_id, status, total, paid_amount, notes, created_at, updated_at`

// GetInvoice loads one invoice with its items.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (SalesInvoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM sales_invoices WHERE id=$1`, id))
	if err != nil {
		return SalesInvoice{}, err
	}
	inv.Items, err = loadItems(ctx, r.pool, inv.ID)
	return inv, err
}

// ListInvoices lists invoices matching the filter, newest first.
func (r *Repository) ListInvoices(ctx context.Context, filter Filter) ([]SalesInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM sales_invoices WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.CustomerID != 0 {
		query += fmt.Sprintf(" AND customer_id=$%d", idx)
		args = append(args, filter.CustomerID)
		idx++
	}
	if filter.LocationID != 0 {
		query += fmt.Sprintf(" AND location_id=$%d", idx)
		args = append(args, filter.LocationID)
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

	var invoices []SalesInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range invoices {
		items, err := loadItems(ctx, r.pool, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Items = items
	}
	return invoices, nil
}

func (r *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (SalesInvoice, error) {
	inv, err := scanInvoice(r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM sales_invoices WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return SalesInvoice{}, err
	}
	inv.Items, err = loadItems(ctx, r.tx, inv.ID)
	return inv, err
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv SalesInvoice) (SalesInvoice, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sales_invoices
		(uid, number, customer_id, location_id, status, total, paid_amount, notes, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		inv.UID, inv.Number, inv.CustomerID, inv.LocationID, string(inv.Status),
		decimalToNumeric(inv.Total), decimalToNumeric(inv.PaidAmount), inv.Notes).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return SalesInvoice{}, err
	}
	for i, item := range inv.Items {
		err := r.tx.QueryRow(ctx, `INSERT INTO sales_invoice_items
			(invoice_id, product_id, variant_id, description, quantity, returned_qty, unit_price, unit_cost)
			VALUES ($1, NULLIF($2, 0), $3, $4, $5, 0, $6, $7)
			RETURNING id`,
			inv.ID, item.ProductID, item.VariantID, item.Description, item.Quantity,
			decimalToNumeric(item.UnitPrice), item.UnitCost).Scan(&item.ID)
		if err != nil {
			return SalesInvoice{}, err
		}
		item.InvoiceID = inv.ID
		inv.Items[i] = item
	}
	return inv, nil
}

func (r *txRepo) UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sales_invoices SET paid_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		id, decimalToNumeric(paid), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepo) UpdateItemCost(ctx context.Context, itemID int64, unitCost float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE sales_invoice_items SET unit_cost=$2 WHERE id=$1`, itemID, unitCost)
	return err
}

func (r *txRepo) UpdateItemReturned(ctx context.Context, itemID int64, returned float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sales_invoice_items SET returned_qty=$2 WHERE id=$1`, itemID, returned)
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

func loadItems(ctx context.Context, q querier, invoiceID int64) ([]InvoiceItem, error) {
	rows, err := q.Query(ctx, `SELECT id, invoice_id, COALESCE(product_id, 0), variant_id, description, quantity, returned_qty, unit_price, unit_cost
		FROM sales_invoice_items WHERE invoice_id=$1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []InvoiceItem
	for rows.Next() {
		var item InvoiceItem
		var price pgtype.Numeric
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.ProductID, &item.VariantID, &item.Description,
			&item.Quantity, &item.ReturnedQty, &price, &item.UnitCost); err != nil {
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

func scanInvoice(row rowScanner) (SalesInvoice, error) {
	var inv SalesInvoice
	var total, paid pgtype.Numeric
	err := row.Scan(&inv.ID, &inv.UID, &inv.Number, &inv.CustomerID, &inv.LocationID, &inv.Status,
		&total, &paid, &inv.Notes, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesInvoice{}, shared.ErrNotFound
		}
		return SalesInvoice{}, err
	}
	inv.Total = numericToDecimal(total)
	inv.PaidAmount = numericToDecimal(paid)
	return inv, nil
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
