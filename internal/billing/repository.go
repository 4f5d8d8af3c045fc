package billing

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

// Repository persists supplier invoices in PostgreSQL.
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

const invoiceColumns = `id, number, supplier_id, COALESCE(order_id, 0), total, paid_amount, status, notes, issued_at, due_at, created_at, updated_at`

// GetInvoice loads one invoice with its payments.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (SupplierInvoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM supplier_invoices WHERE id=$1`, id))
	if err != nil {
		return SupplierInvoice{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, number, invoice_id, amount, method, note, paid_at
		FROM supplier_payments WHERE invoice_id=$1 ORDER BY paid_at`, id)
	if err != nil {
		return SupplierInvoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Payment
		var amount pgtype.Numeric
		if err := rows.Scan(&p.ID, &p.Number, &p.InvoiceID, &amount, &p.Method, &p.Note, &p.PaidAt); err != nil {
			return SupplierInvoice{}, err
		}
		p.Amount = numericToDecimal(amount)
		inv.Payments = append(inv.Payments, p)
	}
	return inv, rows.Err()
}

// ListInvoices lists invoices matching the filter, newest first.
func (r *Repository) ListInvoices(ctx context.Context, filter Filter) ([]SupplierInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM supplier_invoices WHERE 1=1`
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
	query += fmt.Sprintf(" ORDER BY issued_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	return r.queryInvoices(ctx, query, args...)
}

// ListOpenInvoices lists unpaid and partially paid invoices.
func (r *Repository) ListOpenInvoices(ctx context.Context) ([]SupplierInvoice, error) {
	return r.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM supplier_invoices
		WHERE status IN ('unpaid', 'partial') ORDER BY due_at`)
}

func (r *Repository) queryInvoices(ctx context.Context, query string, args ...any) ([]SupplierInvoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []SupplierInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (r *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (SupplierInvoice, error) {
	return scanInvoice(r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM supplier_invoices WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv SupplierInvoice) (SupplierInvoice, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO supplier_invoices
		(number, supplier_id, order_id, total, paid_amount, status, notes, issued_at, due_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		inv.Number, inv.SupplierID, inv.OrderID, decimalToNumeric(inv.Total), decimalToNumeric(inv.PaidAmount),
		string(inv.Status), inv.Notes, inv.IssuedAt, inv.DueAt).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func (r *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO supplier_payments (number, invoice_id, amount, method, note, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		p.Number, p.InvoiceID, decimalToNumeric(p.Amount), p.Method, p.Note, p.PaidAt).
		Scan(&p.ID)
	return p, err
}

func (r *txRepo) UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE supplier_invoices SET paid_amount=$2, status=$3, updated_at=NOW() WHERE id=$1`,
		id, decimalToNumeric(paid), string(status))
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (SupplierInvoice, error) {
	var inv SupplierInvoice
	var total, paid pgtype.Numeric
	err := row.Scan(&inv.ID, &inv.Number, &inv.SupplierID, &inv.OrderID, &total, &paid,
		&inv.Status, &inv.Notes, &inv.IssuedAt, &inv.DueAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SupplierInvoice{}, shared.ErrNotFound
		}
		return SupplierInvoice{}, err
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
