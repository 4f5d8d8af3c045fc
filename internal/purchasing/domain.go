package purchasing

import (
	"errors"
	"time"
)

// Status is the purchase order workflow state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusApproved  Status = "approved"
	StatusPartial   Status = "partial"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// PurchaseOrder is an inbound goods order against a supplier.
type PurchaseOrder struct {
	ID         int64      `json:"id"`
	Number     string     `json:"number"`
	SupplierID int64      `json:"supplier_id"`
	LocationID int64      `json:"location_id"`
	Status     Status     `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	Items      []Item     `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// Item is one ordered line. ReceivedQuantity accumulates across partial
// deliveries and never exceeds Quantity.
type Item struct {
	ID               int64   `json:"id"`
	OrderID          int64   `json:"order_id"`
	ProductID        int64   `json:"product_id"`
	VariantID        int64   `json:"variant_id,omitempty"`
	Quantity         float64 `json:"quantity"`
	ReceivedQuantity float64 `json:"received_quantity"`
	UnitCost         float64 `json:"unit_cost"`
}

// Outstanding returns what is still due on the line.
func (i Item) Outstanding() float64 {
	return i.Quantity - i.ReceivedQuantity
}

// CreateInput opens a draft order.
type CreateInput struct {
	SupplierID int64
	LocationID int64
	Notes      string
	Items      []CreateItem
	ActorID    int64
}

// CreateItem is one requested line.
type CreateItem struct {
	ProductID int64
	VariantID int64
	Quantity  float64
	UnitCost  float64
}

// ReceiveLine requests delivery booking for one order line.
type ReceiveLine struct {
	ItemID int64
	Qty    float64
}

// ReceiveInput books a (possibly partial) delivery.
type ReceiveInput struct {
	OrderID   int64
	Lines     []ReceiveLine
	RequestID string
	ActorID   int64
}

// Filter narrows order listings.
type Filter struct {
	SupplierID int64
	Status     Status
	Limit      int
	Offset     int
}

var (
	// ErrOrderNotFound indicates the purchase order does not exist.
	ErrOrderNotFound = errors.New("purchasing: order not found")
	// ErrNothingToReceive indicates every requested line clamped to zero.
	ErrNothingToReceive = errors.New("purchasing: nothing left to receive")
)
