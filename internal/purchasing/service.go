package purchasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RepositoryPort abstracts purchase order persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	ListOrders(ctx context.Context, filter Filter) ([]PurchaseOrder, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	InsertOrder(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id int64, status Status, approvedAt *time.Time) error
	UpdateItemReceived(ctx context.Context, itemID int64, received float64) error
	NextNumber(ctx context.Context, docType, period string) (int64, error)
}

// StockPort posts receipt movements into the ledger.
type StockPort interface {
	PostReceipt(ctx context.Context, input stock.ReceiptInput) (stock.Item, error)
}

// IdempotencyPort guards repeated receive requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the purchase order workflow. Ledger postings go through
// the stock service so received goods land in the moving average.
type Service struct {
	repo  RepositoryPort
	stock StockPort
	idem  IdempotencyPort
	audit AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, idem IdempotencyPort, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idem: idem, audit: audit}
}

const qtyEpsilon = 1e-4

// Create opens a draft order with an atomically reserved number.
func (s *Service) Create(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if input.SupplierID == 0 || input.LocationID == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: supplier and location required", shared.ErrValidation)
	}
	if len(input.Items) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one item required", shared.ErrValidation)
	}
	for _, item := range input.Items {
		if item.ProductID == 0 || item.Quantity <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: item needs product and positive quantity", shared.ErrValidation)
		}
		if item.UnitCost < 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
		}
	}

	var created PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year := time.Now().UTC().Format("2006")
		seq, err := tx.NextNumber(ctx, "purchase_order", year)
		if err != nil {
			return err
		}
		po := PurchaseOrder{
			Number:     fmt.Sprintf("OC-%s-%04d", year, seq),
			SupplierID: input.SupplierID,
			LocationID: input.LocationID,
			Status:     StatusDraft,
			Notes:      input.Notes,
		}
		for _, item := range input.Items {
			po.Items = append(po.Items, Item{
				ProductID: item.ProductID,
				VariantID: item.VariantID,
				Quantity:  item.Quantity,
				UnitCost:  item.UnitCost,
			})
		}
		created, err = tx.InsertOrder(ctx, po)
		return err
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.record(ctx, input.ActorID, "purchasing:create", created, nil)
	return created, nil
}

// Approve moves a draft order into the receivable state.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (PurchaseOrder, error) {
	var approved PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != StatusDraft {
			return fmt.Errorf("%w: cannot approve order in status %q", shared.ErrInvalidState, po.Status)
		}
		now := time.Now().UTC()
		if err := tx.UpdateStatus(ctx, id, StatusApproved, &now); err != nil {
			return err
		}
		po.Status = StatusApproved
		po.ApprovedAt = &now
		approved = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.record(ctx, actorID, "purchasing:approve", approved, nil)
	return approved, nil
}

// Receive books a delivery. The order row is locked first and each
// requested quantity is clamped to what the locked line still has
// outstanding, so two racing deliveries cannot overshoot the ordered
// quantity. The order status is recomputed from the lines afterwards.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}

	refID := uuid.New().String()
	var (
		updated     PurchaseOrder
		postErr     error
		posted      int
		idemKey     string
		keyInserted bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, postErr, keyInserted = 0, nil, false
		po, err := tx.GetOrderForUpdate(ctx, input.OrderID)
		if err != nil {
			return errOrderMissing(err)
		}
		if po.Status != StatusApproved && po.Status != StatusPartial {
			return fmt.Errorf("%w: cannot receive against order in status %q", shared.ErrInvalidState, po.Status)
		}

		index := make(map[int64]int, len(po.Items))
		for i, item := range po.Items {
			index[item.ID] = i
		}
		type appliedReceipt struct {
			idx int
			qty float64
		}
		var applied []appliedReceipt
		for _, line := range input.Lines {
			i, ok := index[line.ItemID]
			if !ok {
				return fmt.Errorf("%w: line %d does not belong to order %s", shared.ErrValidation, line.ItemID, po.Number)
			}
			qty := line.Qty
			if outstanding := po.Items[i].Outstanding(); qty > outstanding {
				qty = outstanding
			}
			if qty <= qtyEpsilon {
				continue
			}
			applied = append(applied, appliedReceipt{idx: i, qty: qty})
		}
		if len(applied) == 0 {
			return ErrNothingToReceive
		}

		if input.RequestID != "" {
			idemKey = fmt.Sprintf("PO-RECEIVE:%s:%s", po.Number, input.RequestID)
			if err := s.idem.CheckAndInsert(ctx, idemKey, "purchasing"); err != nil {
				return err
			}
			keyInserted = true
		}

		for _, rec := range applied {
			item := po.Items[rec.idx]
			if _, err := s.stock.PostReceipt(ctx, stock.ReceiptInput{
				ItemKey: stock.ItemKey{
					ProductID:  item.ProductID,
					VariantID:  item.VariantID,
					LocationID: po.LocationID,
				},
				Qty:      rec.qty,
				UnitCost: item.UnitCost,
				Note:     fmt.Sprintf("receipt against %s", po.Number),
				ActorID:  input.ActorID,
				RefType:  stock.RefPurchaseOrder,
				RefID:    refID,
			}); err != nil {
				postErr = err
				break
			}
			item.ReceivedQuantity += rec.qty
			if err := tx.UpdateItemReceived(ctx, item.ID, item.ReceivedQuantity); err != nil {
				return err
			}
			po.Items[rec.idx] = item
			posted++
		}
		if posted == 0 {
			return postErr
		}

		next := deriveStatus(po.Items)
		if err := tx.UpdateStatus(ctx, po.ID, next, nil); err != nil {
			return err
		}
		po.Status = next
		updated = po
		return nil
	})
	if err != nil {
		if keyInserted && posted == 0 {
			_ = s.idem.Delete(ctx, idemKey)
		}
		return PurchaseOrder{}, err
	}
	s.record(ctx, input.ActorID, "purchasing:receive", updated, map[string]any{"lines": posted, "ref_id": refID})
	if postErr != nil {
		return updated, postErr
	}
	return updated, nil
}

// Cancel voids an order that has not received anything yet.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (PurchaseOrder, error) {
	var cancelled PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != StatusDraft && po.Status != StatusApproved {
			return fmt.Errorf("%w: cannot cancel order in status %q", shared.ErrInvalidState, po.Status)
		}
		for _, item := range po.Items {
			if item.ReceivedQuantity > qtyEpsilon {
				return fmt.Errorf("%w: order %s already received goods", shared.ErrInvalidState, po.Number)
			}
		}
		if err := tx.UpdateStatus(ctx, id, StatusCancelled, nil); err != nil {
			return err
		}
		po.Status = StatusCancelled
		cancelled = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.record(ctx, actorID, "purchasing:cancel", cancelled, nil)
	return cancelled, nil
}

// Get fetches one order with its items.
func (s *Service) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return PurchaseOrder{}, errOrderMissing(err)
	}
	return po, nil
}

// List lists orders matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]PurchaseOrder, error) {
	return s.repo.ListOrders(ctx, filter)
}

func deriveStatus(items []Item) Status {
	full := true
	any := false
	for _, item := range items {
		if item.ReceivedQuantity > qtyEpsilon {
			any = true
		}
		if item.Outstanding() > qtyEpsilon {
			full = false
		}
	}
	switch {
	case full:
		return StatusReceived
	case any:
		return StatusPartial
	default:
		return StatusApproved
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, po PurchaseOrder, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = po.Number
	meta["status"] = string(po.Status)
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: fmt.Sprintf("%d", po.ID),
		Meta:     meta,
	})
}

// errOrderMissing maps repository misses onto the module sentinel.
func errOrderMissing(err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return ErrOrderNotFound
	}
	return err
}
