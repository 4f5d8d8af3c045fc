package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetItemForUpdate(ctx context.Context, key ItemKey) (Item, error)
	InsertItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, item Item) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
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

const itemColumns = `product_id, variant_id, location_id, quantity, reserved_quantity, avg_cost, last_count_at, updated_at`

// GetItem reads one ledger row without locking.
func (r *Repository) GetItem(ctx context.Context, key ItemKey) (Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+`
		FROM stock_items WHERE product_id=$1 AND variant_id=$2 AND location_id=$3`,
		key.ProductID, key.VariantID, key.LocationID)
	return scanItem(row)
}

// ListItems lists ledger rows matching the filter.
func (r *Repository) ListItems(ctx context.Context, filter ItemFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM stock_items WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.LocationID != 0 {
		query += fmt.Sprintf(" AND location_id=$%d", idx)
		args = append(args, filter.LocationID)
		idx++
	}
	if filter.ProductID != 0 {
		query += fmt.Sprintf(" AND product_id=$%d", idx)
		args = append(args, filter.ProductID)
		idx++
	}
	if filter.BelowQty > 0 {
		query += fmt.Sprintf(" AND quantity < $%d", idx)
		args = append(args, floatToNumeric(filter.BelowQty))
		idx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += fmt.Sprintf(" ORDER BY product_id, variant_id, location_id LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListMovements lists log entries, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	query := `SELECT id, product_id, variant_id, location_id, movement_type, quantity, unit_cost,
		COALESCE(ref_type, ''), ref_id, note, actor_id, created_at
		FROM stock_movements WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.ProductID != 0 {
		query += fmt.Sprintf(" AND product_id=$%d", idx)
		args = append(args, filter.ProductID)
		idx++
	}
	if filter.LocationID != 0 {
		query += fmt.Sprintf(" AND location_id=$%d", idx)
		args = append(args, filter.LocationID)
		idx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND movement_type=$%d", idx)
		args = append(args, string(filter.Type))
		idx++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, filter.From)
		idx++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, filter.To)
		idx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var m Movement
		var qty, cost pgtype.Numeric
		var refID pgtype.UUID
		var created pgtype.Timestamptz
		if err := rows.Scan(&m.ID, &m.ProductID, &m.VariantID, &m.LocationID, &m.Type, &qty, &cost, &m.RefType, &refID, &m.Note, &m.ActorID, &created); err != nil {
			return nil, err
		}
		m.Quantity = numericToFloat(qty)
		m.UnitCost = numericToFloat(cost)
		if refID.Valid {
			m.RefID = uuid.UUID(refID.Bytes).String()
		}
		m.CreatedAt = created.Time
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (r *txRepo) GetItemForUpdate(ctx context.Context, key ItemKey) (Item, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+itemColumns+`
		FROM stock_items WHERE product_id=$1 AND variant_id=$2 AND location_id=$3 FOR UPDATE`,
		key.ProductID, key.VariantID, key.LocationID)
	return scanItem(row)
}

func (r *txRepo) InsertItem(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_items
		(product_id, variant_id, location_id, quantity, reserved_quantity, avg_cost, last_count_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		item.ProductID, item.VariantID, item.LocationID,
		floatToNumeric(item.Quantity), floatToNumeric(item.ReservedQuantity), floatToNumeric(item.AvgCost),
		pgtype.Timestamptz{Time: item.LastCountAt, Valid: !item.LastCountAt.IsZero()})
	return err
}

func (r *txRepo) UpdateItem(ctx context.Context, item Item) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_items
		SET quantity=$4, reserved_quantity=$5, avg_cost=$6, last_count_at=COALESCE($7, last_count_at), updated_at=NOW()
		WHERE product_id=$1 AND variant_id=$2 AND location_id=$3`,
		item.ProductID, item.VariantID, item.LocationID,
		floatToNumeric(item.Quantity), floatToNumeric(item.ReservedQuantity), floatToNumeric(item.AvgCost),
		pgtype.Timestamptz{Time: item.LastCountAt, Valid: !item.LastCountAt.IsZero()})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
		(product_id, variant_id, location_id, movement_type, quantity, unit_cost, ref_type, ref_id, note, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
		RETURNING id`,
		movement.ProductID, movement.VariantID, movement.LocationID, string(movement.Type),
		floatToNumeric(movement.Quantity), floatToNumeric(movement.UnitCost),
		string(movement.RefType),
		pgtype.UUID{Bytes: parseUUID(movement.RefID), Valid: movement.RefID != ""},
		movement.Note, movement.ActorID,
		pgtype.Timestamptz{Time: movement.CreatedAt, Valid: true}).Scan(&id)
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var qty, reserved, cost pgtype.Numeric
	var lastCount, updated pgtype.Timestamptz
	err := row.Scan(&item.ProductID, &item.VariantID, &item.LocationID, &qty, &reserved, &cost, &lastCount, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	item.Quantity = numericToFloat(qty)
	item.ReservedQuantity = numericToFloat(reserved)
	item.AvgCost = numericToFloat(cost)
	item.LastCountAt = lastCount.Time
	item.UpdatedAt = updated.Time
	return item, nil
}

func parseUUID(s string) [16]byte {
	if s == "" {
		return [16]byte{}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}
	}
	return id
}

func numericToFloat(n pgtype.Numeric) float64 {
	f, _ := n.Float64Value()
	return f.Float64
}

func floatToNumeric(f float64) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(fmt.Sprintf("%f", f))
	return n
}
