package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, sku, name, brand, category, unit, price, active, created_at, updated_at`

func (r *Repository) InsertProduct(ctx context.Context, p Product) (Product, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO products (sku, name, brand, category, unit, price, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING `+productColumns,
		p.SKU, p.Name, p.Brand, p.Category, p.Unit, decimalToNumeric(p.Price), p.Active)
	return scanProduct(row)
}

func (r *Repository) UpdateProduct(ctx context.Context, p Product) (Product, error) {
	row := r.pool.QueryRow(ctx, `UPDATE products
		SET name=$2, brand=$3, category=$4, unit=$5, price=$6, active=$7, updated_at=NOW()
		WHERE id=$1
		RETURNING `+productColumns,
		p.ID, p.Name, p.Brand, p.Category, p.Unit, decimalToNumeric(p.Price), p.Active)
	return scanProduct(row)
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
	return scanProduct(row)
}

func (r *Repository) GetProductBySKU(ctx context.Context, sku string) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE sku=$1`, sku)
	return scanProduct(row)
}

func (r *Repository) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.Search != "" {
		query += fmt.Sprintf(" AND (name ILIKE $%d OR sku ILIKE $%d)", idx, idx)
		args = append(args, "%"+filter.Search+"%")
		idx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(" AND category=$%d", idx)
		args = append(args, filter.Category)
		idx++
	}
	if filter.ActiveOnly {
		query += " AND active"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY name LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *Repository) InsertVariant(ctx context.Context, v Variant) (Variant, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO product_variants (product_id, sku, name, active, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, product_id, sku, name, active, created_at`,
		v.ProductID, v.SKU, v.Name, v.Active)
	return scanVariant(row)
}

func (r *Repository) ListVariants(ctx context.Context, productID int64) ([]Variant, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, sku, name, active, created_at
		FROM product_variants WHERE product_id=$1 ORDER BY name`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (r *Repository) InsertLocation(ctx context.Context, l Location) (Location, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO locations (name, active, created_at)
		VALUES ($1, $2, NOW()) RETURNING id, name, active, created_at`, l.Name, l.Active)
	err := row.Scan(&l.ID, &l.Name, &l.Active, &l.CreatedAt)
	return l, mapErr(err)
}

func (r *Repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	var l Location
	err := r.pool.QueryRow(ctx, `SELECT id, name, active, created_at FROM locations WHERE id=$1`, id).
		Scan(&l.ID, &l.Name, &l.Active, &l.CreatedAt)
	return l, mapErr(err)
}

func (r *Repository) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, active, created_at FROM locations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Active, &l.CreatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (r *Repository) InsertSupplier(ctx context.Context, s Supplier) (Supplier, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO suppliers (name, tax_id, email, phone, active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, name, tax_id, email, phone, active, created_at`,
		s.Name, s.TaxID, s.Email, s.Phone, s.Active)
	err := row.Scan(&s.ID, &s.Name, &s.TaxID, &s.Email, &s.Phone, &s.Active, &s.CreatedAt)
	return s, mapErr(err)
}

func (r *Repository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := r.pool.QueryRow(ctx, `SELECT id, name, tax_id, email, phone, active, created_at
		FROM suppliers WHERE id=$1`, id).
		Scan(&s.ID, &s.Name, &s.TaxID, &s.Email, &s.Phone, &s.Active, &s.CreatedAt)
	return s, mapErr(err)
}

func (r *Repository) ListSuppliers(ctx context.Context) ([]Supplier, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, tax_id, email, phone, active, created_at
		FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		var s Supplier
		if err := rows.Scan(&s.ID, &s.Name, &s.TaxID, &s.Email, &s.Phone, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, s)
	}
	return suppliers, rows.Err()
}

func (r *Repository) InsertCustomer(ctx context.Context, c Customer) (Customer, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO customers (name, email, phone, active, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, name, email, phone, active, created_at`,
		c.Name, c.Email, c.Phone, c.Active)
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Active, &c.CreatedAt)
	return c, mapErr(err)
}

func (r *Repository) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	var c Customer
	err := r.pool.QueryRow(ctx, `SELECT id, name, email, phone, active, created_at
		FROM customers WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Active, &c.CreatedAt)
	return c, mapErr(err)
}

func (r *Repository) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, email, phone, active, created_at
		FROM customers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Active, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	var price pgtype.Numeric
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Brand, &p.Category, &p.Unit, &price, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, mapErr(err)
	}
	p.Price = numericToDecimal(price)
	return p, nil
}

func scanVariant(row rowScanner) (Variant, error) {
	var v Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Active, &v.CreatedAt)
	if err != nil {
		return Variant{}, mapErr(err)
	}
	return v, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return shared.ErrDuplicate
	}
	return err
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
