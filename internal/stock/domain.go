package stock

import (
	"errors"
	"time"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementReceipt represents goods received against a purchase order.
	MovementReceipt MovementType = "receipt"
	// MovementSale represents an outbound point-of-sale deduction.
	MovementSale MovementType = "sale"
	// MovementIssue represents parts consumed by a service order.
	MovementIssue MovementType = "issue"
	// MovementAdjustment indicates manual adjustments.
	MovementAdjustment MovementType = "adjustment"
	// MovementTransferIn / MovementTransferOut form a location transfer pair.
	MovementTransferIn  MovementType = "transfer_in"
	MovementTransferOut MovementType = "transfer_out"
	// MovementReturn restocks goods returned by a customer.
	MovementReturn MovementType = "return"
	// MovementCount records the delta found by a physical count.
	MovementCount MovementType = "count"
)

// ReferenceType is the closed set of documents a movement may point at.
type ReferenceType string

const (
	RefPurchaseOrder ReferenceType = "purchase_order"
	RefSalesInvoice  ReferenceType = "sales_invoice"
	RefServiceOrder  ReferenceType = "service_order"
	RefTransfer      ReferenceType = "transfer"
	RefAdjustment    ReferenceType = "adjustment"
	RefCount         ReferenceType = "count"
)

func validMovementType(t MovementType) bool {
	switch t {
	case MovementReceipt, MovementSale, MovementIssue, MovementAdjustment,
		MovementTransferIn, MovementTransferOut, MovementReturn, MovementCount:
		return true
	}
	return false
}

func validReferenceType(t ReferenceType) bool {
	switch t {
	case RefPurchaseOrder, RefSalesInvoice, RefServiceOrder, RefTransfer, RefAdjustment, RefCount:
		return true
	}
	return false
}

// ItemKey identifies a ledger row. VariantID zero means the product has no
// variant dimension.
type ItemKey struct {
	ProductID  int64
	VariantID  int64
	LocationID int64
}

// Item is the current ledger row for a product at a location.
type Item struct {
	ItemKey
	Quantity         float64
	ReservedQuantity float64
	AvgCost          float64
	LastCountAt      time.Time
	UpdatedAt        time.Time
}

// Available returns quantity on hand minus reservations.
func (i Item) Available() float64 {
	return i.Quantity - i.ReservedQuantity
}

// Movement is one immutable ledger log entry. Movements are only ever
// appended; there is no update or delete path.
type Movement struct {
	ID         int64
	ProductID  int64
	VariantID  int64
	LocationID int64
	Type       MovementType
	Quantity   float64
	UnitCost   float64
	RefType    ReferenceType
	RefID      string
	Note       string
	ActorID    int64
	CreatedAt  time.Time
}

// ReceiptInput posts inbound goods at a unit cost.
type ReceiptInput struct {
	ItemKey
	Qty      float64
	UnitCost float64
	Note     string
	ActorID  int64
	RefType  ReferenceType
	RefID    string
}

// IssueLine is one outbound line in a batch.
type IssueLine struct {
	ItemKey
	Qty float64
}

// IssueBatchInput deducts several lines atomically. When any line would
// drive its row negative the whole batch is rejected.
type IssueBatchInput struct {
	Type    MovementType
	Lines   []IssueLine
	Note    string
	ActorID int64
	RefType ReferenceType
	RefID   string
}

// AdjustmentInput describes a manual correction, positive or negative.
type AdjustmentInput struct {
	ItemKey
	Qty      float64
	UnitCost float64
	Note     string
	ActorID  int64
}

// TransferInput moves stock between two locations.
type TransferInput struct {
	ProductID   int64
	VariantID   int64
	SrcLocation int64
	DstLocation int64
	Qty         float64
	Note        string
	ActorID     int64
}

// ReturnInput restocks returned goods at the cost they left with.
type ReturnInput struct {
	ItemKey
	Qty      float64
	UnitCost float64
	Note     string
	ActorID  int64
	RefType  ReferenceType
	RefID    string
}

// CountInput records a physical count; the movement carries the delta
// between the counted and booked quantity.
type CountInput struct {
	ItemKey
	CountedQty float64
	Note       string
	ActorID    int64
}

// MovementFilter filters the movement log.
type MovementFilter struct {
	ProductID  int64
	LocationID int64
	Type       MovementType
	From       time.Time
	To         time.Time
	Limit      int
}

// ItemFilter filters ledger rows.
type ItemFilter struct {
	LocationID int64
	ProductID  int64
	BelowQty   float64
	Limit      int
}

// AvailabilityStatus buckets on-hand quantity for storefront display.
type AvailabilityStatus string

const (
	StatusInStock    AvailabilityStatus = "IN_STOCK"
	StatusLowStock   AvailabilityStatus = "LOW_STOCK"
	StatusOutOfStock AvailabilityStatus = "OUT_OF_STOCK"
)

// Availability summarises a ledger row for quick lookups.
type Availability struct {
	Status   AvailabilityStatus `json:"status"`
	Quantity float64            `json:"quantity"`
}

var (
	// ErrItemNotFound indicates the ledger row was never initialised. Callers
	// must treat this as a distinct state, not as a zero-quantity row.
	ErrItemNotFound = errors.New("stock: item not found")
	// ErrInsufficientStock is returned when an outbound movement would drive
	// quantity negative and negative stock is not allowed.
	ErrInsufficientStock = errors.New("stock: insufficient quantity")
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = errors.New("stock: quantity must be non zero")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("stock: unit cost must be >= 0")
	// ErrInvalidReference indicates an unknown movement or reference type.
	ErrInvalidReference = errors.New("stock: invalid movement reference")
)
