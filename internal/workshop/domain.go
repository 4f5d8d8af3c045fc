package workshop

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the service order workflow state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusInvoiced   Status = "invoiced"
	StatusCancelled  Status = "cancelled"
)

// ServiceOrder is a workshop job for a customer vehicle or device. UID
// ties ledger movements for consumed parts back to the order.
type ServiceOrder struct {
	ID          int64       `json:"id"`
	UID         string      `json:"uid"`
	Number      string      `json:"number"`
	CustomerID  int64       `json:"customer_id"`
	LocationID  int64       `json:"location_id"`
	Status      Status      `json:"status"`
	Description string      `json:"description,omitempty"`
	InvoiceID   int64       `json:"invoice_id,omitempty"`
	Items       []OrderItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// OrderItem is one order line: either a consumed part (ProductID set,
// quantity deducted from stock) or a labor/fee line (no product).
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id,omitempty"`
	VariantID   int64           `json:"variant_id,omitempty"`
	Description string          `json:"description"`
	Quantity    float64         `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    float64         `json:"unit_cost"`
}

// CreateInput opens a service order.
type CreateInput struct {
	CustomerID  int64
	LocationID  int64
	Description string
	ActorID     int64
}

// PartLine requests consumption of one part.
type PartLine struct {
	ProductID int64
	VariantID int64
	Qty       float64
	// UnitPrice zero means "use the catalog price".
	UnitPrice decimal.Decimal
}

// ConsumeInput books part consumption against an in-progress order.
type ConsumeInput struct {
	OrderID int64
	Lines   []PartLine
	ActorID int64
}

// LaborInput adds a labor or fee line.
type LaborInput struct {
	OrderID     int64
	Description string
	Price       decimal.Decimal
	ActorID     int64
}

// Filter narrows order listings.
type Filter struct {
	CustomerID int64
	Status     Status
	Limit      int
	Offset     int
}

var (
	// ErrOrderNotFound indicates the service order does not exist.
	ErrOrderNotFound = errors.New("workshop: order not found")
)
