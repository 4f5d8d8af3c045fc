package pos

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks a sales invoice through checkout and settlement. Payment
// states derive from PaidAmount against Total.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// SalesInvoice is a point-of-sale or workshop invoice. UID ties ledger
// movements back to the document.
type SalesInvoice struct {
	ID         int64           `json:"id"`
	UID        string          `json:"uid"`
	Number     string          `json:"number"`
	CustomerID int64           `json:"customer_id,omitempty"`
	LocationID int64           `json:"location_id"`
	Status     Status          `json:"status"`
	Total      decimal.Decimal `json:"total"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	Notes      string          `json:"notes,omitempty"`
	Items      []InvoiceItem   `json:"items"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InvoiceItem is one invoice line. Product lines carry the quantity that
// moved through stock and the average cost recorded at checkout; labor or
// fee lines have no product reference and never touch the ledger.
type InvoiceItem struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	ProductID   int64           `json:"product_id,omitempty"`
	VariantID   int64           `json:"variant_id,omitempty"`
	Description string          `json:"description"`
	Quantity    float64         `json:"quantity"`
	ReturnedQty float64         `json:"returned_qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    float64         `json:"unit_cost"`
}

// Returnable is what can still come back on the line.
func (i InvoiceItem) Returnable() float64 {
	return i.Quantity - i.ReturnedQty
}

// CartLine is one requested checkout line. A zero UnitPrice means "use
// the catalog price".
type CartLine struct {
	ProductID int64
	VariantID int64
	Qty       float64
	UnitPrice decimal.Decimal
}

// CheckoutInput drives a point-of-sale checkout.
type CheckoutInput struct {
	CustomerID int64
	LocationID int64
	Lines      []CartLine
	Notes      string
	ActorID    int64
}

// InvoiceLineInput is one priced line for direct invoice creation.
type InvoiceLineInput struct {
	ProductID   int64
	VariantID   int64
	Description string
	Quantity    float64
	UnitPrice   decimal.Decimal
	UnitCost    float64
}

// CreateInvoiceInput creates a confirmed invoice without ledger postings;
// used when consumption was already booked elsewhere.
type CreateInvoiceInput struct {
	CustomerID int64
	LocationID int64
	Lines      []InvoiceLineInput
	Notes      string
	ActorID    int64
}

// ReturnLine requests a restock of one sold line.
type ReturnLine struct {
	ItemID int64
	Qty    float64
}

// ReturnInput books a customer return.
type ReturnInput struct {
	InvoiceID int64
	Lines     []ReturnLine
	Note      string
	ActorID   int64
}

// Filter narrows invoice listings.
type Filter struct {
	CustomerID int64
	LocationID int64
	Status     Status
	Limit      int
	Offset     int
}

var (
	// ErrInvoiceNotFound indicates the invoice does not exist.
	ErrInvoiceNotFound = errors.New("pos: invoice not found")
	// ErrNothingToReturn indicates every requested line clamped to zero.
	ErrNothingToReturn = errors.New("pos: nothing left to return")
)
