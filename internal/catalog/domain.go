package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable or consumable article.
type Product struct {
	ID        int64           `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Brand     string          `json:"brand,omitempty"`
	Category  string          `json:"category,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Variant is an optional size/colour dimension of a product. Products
// without variants are stocked with variant id zero.
type Variant struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Location is a stocking point: a store, warehouse or workshop bay.
type Location struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Supplier is a purchasing counterparty.
type Supplier struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	TaxID     string    `json:"tax_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Customer is a sales/workshop counterparty.
type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ProductFilter narrows product listings.
type ProductFilter struct {
	Search     string
	Category   string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// ErrDuplicateSKU indicates the SKU is already taken.
var ErrDuplicateSKU = errors.New("catalog: sku already exists")
