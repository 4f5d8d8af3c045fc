package billing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is derived from the sum of registered payments, never set
// directly: zero paid is unpaid, anything below total is partial, total or
// more is paid.
type Status string

const (
	StatusUnpaid    Status = "unpaid"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// SupplierInvoice is a payable raised by a supplier, optionally tied to a
// purchase order.
type SupplierInvoice struct {
	ID         int64           `json:"id"`
	Number     string          `json:"number"`
	SupplierID int64           `json:"supplier_id"`
	OrderID    int64           `json:"order_id,omitempty"`
	Total      decimal.Decimal `json:"total"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Status     Status          `json:"status"`
	Notes      string          `json:"notes,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
	DueAt      time.Time       `json:"due_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Payments   []Payment       `json:"payments,omitempty"`
}

// Outstanding returns what remains to be paid.
func (i SupplierInvoice) Outstanding() decimal.Decimal {
	return i.Total.Sub(i.PaidAmount)
}

// Payment is one registered settlement against an invoice.
type Payment struct {
	ID        int64           `json:"id"`
	Number    string          `json:"number"`
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method,omitempty"`
	Note      string          `json:"note,omitempty"`
	PaidAt    time.Time       `json:"paid_at"`
}

// CreateInput raises an invoice manually.
type CreateInput struct {
	SupplierID int64
	OrderID    int64
	Total      decimal.Decimal
	DueAt      time.Time
	Notes      string
	ActorID    int64
}

// PaymentInput registers a settlement.
type PaymentInput struct {
	InvoiceID int64
	Amount    decimal.Decimal
	Method    string
	Note      string
	PaidAt    time.Time
	ActorID   int64
}

// Filter narrows invoice listings.
type Filter struct {
	SupplierID int64
	Status     Status
	Limit      int
	Offset     int
}

// Aging buckets outstanding amounts by how far past due they are.
type Aging struct {
	Current     decimal.Decimal `json:"current"`
	Days30      decimal.Decimal `json:"days_30"`
	Days60      decimal.Decimal `json:"days_60"`
	Days90      decimal.Decimal `json:"days_90"`
	Days120Plus decimal.Decimal `json:"days_120_plus"`
}

var (
	// ErrInvoiceNotFound indicates the invoice does not exist.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrInvalidAmount indicates a non-positive payment or total.
	ErrInvalidAmount = errors.New("billing: amount must be positive")
)
