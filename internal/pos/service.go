package pos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RepositoryPort abstracts sales invoice persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (SalesInvoice, error)
	ListInvoices(ctx context.Context, filter Filter) ([]SalesInvoice, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id int64) (SalesInvoice, error)
	InsertInvoice(ctx context.Context, inv SalesInvoice) (SalesInvoice, error)
	UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, status Status) error
	UpdateItemCost(ctx context.Context, itemID int64, unitCost float64) error
	UpdateItemReturned(ctx context.Context, itemID int64, returned float64) error
	NextNumber(ctx context.Context, docType, period string) (int64, error)
}

// StockPort posts sale and return movements into the ledger.
type StockPort interface {
	IssueBatch(ctx context.Context, input stock.IssueBatchInput) ([]stock.Item, error)
	PostReturn(ctx context.Context, input stock.ReturnInput) (stock.Item, error)
}

// CatalogPort resolves products for pricing.
type CatalogPort interface {
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns point-of-sale invoicing. Checkout deducts every cart line
// through one ledger batch, so a single short line rejects the whole sale.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	catalog CatalogPort
	audit   AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, catalogPort CatalogPort, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, catalog: catalogPort, audit: audit}
}

const qtyEpsilon = 1e-4

// Checkout prices the cart, creates the invoice and posts one sale batch.
// The invoice is only confirmed once the whole batch deducted.
func (s *Service) Checkout(ctx context.Context, input CheckoutInput) (SalesInvoice, error) {
	if input.LocationID == 0 {
		return SalesInvoice{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return SalesInvoice{}, fmt.Errorf("%w: empty cart", shared.ErrValidation)
	}

	inv := SalesInvoice{
		UID:        uuid.New().String(),
		CustomerID: input.CustomerID,
		LocationID: input.LocationID,
		Status:     StatusDraft,
		Notes:      input.Notes,
		Total:      decimal.Zero,
		PaidAmount: decimal.Zero,
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 || line.Qty <= 0 {
			return SalesInvoice{}, fmt.Errorf("%w: cart line needs product and positive quantity", shared.ErrValidation)
		}
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return SalesInvoice{}, err
		}
		price := line.UnitPrice
		if price.IsZero() {
			price = product.Price
		}
		if price.IsNegative() {
			return SalesInvoice{}, fmt.Errorf("%w: negative price on product %d", shared.ErrValidation, line.ProductID)
		}
		inv.Items = append(inv.Items, InvoiceItem{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			Description: product.Name,
			Quantity:    line.Qty,
			UnitPrice:   price,
		})
		inv.Total = inv.Total.Add(price.Mul(decimal.NewFromFloat(line.Qty)))
	}
	inv.Total = inv.Total.Round(2)

	var created SalesInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextNumber(ctx, "sales_invoice", "all")
		if err != nil {
			return err
		}
		inv.Number = fmt.Sprintf("FAT-%06d", seq)
		created, err = tx.InsertInvoice(ctx, inv)
		return err
	})
	if err != nil {
		return SalesInvoice{}, err
	}

	batch := stock.IssueBatchInput{
		Type:    stock.MovementSale,
		Note:    fmt.Sprintf("sale %s", created.Number),
		ActorID: input.ActorID,
		RefType: stock.RefSalesInvoice,
		RefID:   created.UID,
	}
	for _, item := range created.Items {
		batch.Lines = append(batch.Lines, stock.IssueLine{
			ItemKey: stock.ItemKey{ProductID: item.ProductID, VariantID: item.VariantID, LocationID: created.LocationID},
			Qty:     item.Quantity,
		})
	}
	ledgerItems, batchErr := s.stock.IssueBatch(ctx, batch)
	if batchErr != nil {
		// Nothing moved; void the draft so the number is visibly burnt
		// rather than silently reused.
		_ = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdateInvoice(ctx, created.ID, decimal.Zero, StatusCancelled)
		})
		return SalesInvoice{}, batchErr
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, item := range created.Items {
			created.Items[i].UnitCost = ledgerItems[i].AvgCost
			if err := tx.UpdateItemCost(ctx, item.ID, ledgerItems[i].AvgCost); err != nil {
				return err
			}
		}
		return tx.UpdateInvoice(ctx, created.ID, decimal.Zero, StatusConfirmed)
	})
	if err != nil {
		return SalesInvoice{}, err
	}
	created.Status = StatusConfirmed
	s.record(ctx, input.ActorID, "pos:checkout", created)
	return created, nil
}

// CreateInvoice creates a confirmed invoice without ledger postings. The
// workshop uses this after parts were already consumed as issues.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (SalesInvoice, error) {
	if input.LocationID == 0 {
		return SalesInvoice{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return SalesInvoice{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	inv := SalesInvoice{
		UID:        uuid.New().String(),
		CustomerID: input.CustomerID,
		LocationID: input.LocationID,
		Status:     StatusConfirmed,
		Notes:      input.Notes,
		Total:      decimal.Zero,
		PaidAmount: decimal.Zero,
	}
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return SalesInvoice{}, fmt.Errorf("%w: line quantity must be positive", shared.ErrValidation)
		}
		if line.UnitPrice.IsNegative() {
			return SalesInvoice{}, fmt.Errorf("%w: negative line price", shared.ErrValidation)
		}
		inv.Items = append(inv.Items, InvoiceItem{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			UnitCost:    line.UnitCost,
		})
		inv.Total = inv.Total.Add(line.UnitPrice.Mul(decimal.NewFromFloat(line.Quantity)))
	}
	inv.Total = inv.Total.Round(2)

	var created SalesInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextNumber(ctx, "sales_invoice", "all")
		if err != nil {
			return err
		}
		inv.Number = fmt.Sprintf("FAT-%06d", seq)
		created, err = tx.InsertInvoice(ctx, inv)
		return err
	})
	if err != nil {
		return SalesInvoice{}, err
	}
	s.record(ctx, input.ActorID, "pos:create_invoice", created)
	return created, nil
}

// RegisterPayment books a settlement and rederives the status.
func (s *Service) RegisterPayment(ctx context.Context, id int64, amount decimal.Decimal, actorID int64) (SalesInvoice, error) {
	if !amount.IsPositive() {
		return SalesInvoice{}, fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	}
	var updated SalesInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return errInvoiceMissing(err)
		}
		if inv.Status != StatusConfirmed && inv.Status != StatusPartial {
			return fmt.Errorf("%w: cannot pay invoice in status %q", shared.ErrInvalidState, inv.Status)
		}
		inv.PaidAmount = inv.PaidAmount.Add(amount)
		inv.Status = derivePaymentStatus(inv.Total, inv.PaidAmount)
		if err := tx.UpdateInvoice(ctx, inv.ID, inv.PaidAmount, inv.Status); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return SalesInvoice{}, err
	}
	s.record(ctx, actorID, "pos:payment", updated)
	return updated, nil
}

// Return restocks sold goods at the cost they were issued with. The
// invoice row is locked first and requested quantities clamp to what the
// locked line still has returnable, so two racing returns cannot restock
// more than was sold.
func (s *Service) Return(ctx context.Context, input ReturnInput) (SalesInvoice, error) {
	if len(input.Lines) == 0 {
		return SalesInvoice{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}

	var (
		updated SalesInvoice
		postErr error
		posted  int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, postErr = 0, nil
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return errInvoiceMissing(err)
		}
		if inv.Status != StatusConfirmed && inv.Status != StatusPartial && inv.Status != StatusPaid {
			return fmt.Errorf("%w: cannot return against invoice in status %q", shared.ErrInvalidState, inv.Status)
		}

		index := make(map[int64]int, len(inv.Items))
		for i, item := range inv.Items {
			index[item.ID] = i
		}
		type appliedReturn struct {
			idx int
			qty float64
		}
		var applied []appliedReturn
		for _, line := range input.Lines {
			i, ok := index[line.ItemID]
			if !ok {
				return fmt.Errorf("%w: line %d does not belong to invoice %s", shared.ErrValidation, line.ItemID, inv.Number)
			}
			if inv.Items[i].ProductID == 0 {
				return fmt.Errorf("%w: line %d has no product to restock", shared.ErrValidation, line.ItemID)
			}
			qty := line.Qty
			if returnable := inv.Items[i].Returnable(); qty > returnable {
				qty = returnable
			}
			if qty <= qtyEpsilon {
				continue
			}
			applied = append(applied, appliedReturn{idx: i, qty: qty})
		}
		if len(applied) == 0 {
			return ErrNothingToReturn
		}

		for _, ret := range applied {
			item := inv.Items[ret.idx]
			if _, err := s.stock.PostReturn(ctx, stock.ReturnInput{
				ItemKey: stock.ItemKey{
					ProductID:  item.ProductID,
					VariantID:  item.VariantID,
					LocationID: inv.LocationID,
				},
				Qty:      ret.qty,
				UnitCost: item.UnitCost,
				Note:     fmt.Sprintf("return against %s: %s", inv.Number, input.Note),
				ActorID:  input.ActorID,
				RefType:  stock.RefSalesInvoice,
				RefID:    inv.UID,
			}); err != nil {
				postErr = err
				break
			}
			item.ReturnedQty += ret.qty
			if err := tx.UpdateItemReturned(ctx, item.ID, item.ReturnedQty); err != nil {
				return err
			}
			inv.Items[ret.idx] = item
			posted++
		}
		if posted == 0 {
			return postErr
		}
		updated = inv
		return nil
	})
	if err != nil {
		return SalesInvoice{}, err
	}
	s.record(ctx, input.ActorID, "pos:return", updated)
	if postErr != nil {
		return updated, postErr
	}
	return updated, nil
}

// Get fetches one invoice with its items.
func (s *Service) Get(ctx context.Context, id int64) (SalesInvoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return SalesInvoice{}, errInvoiceMissing(err)
	}
	return inv, nil
}

// List lists invoices matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]SalesInvoice, error) {
	return s.repo.ListInvoices(ctx, filter)
}

func derivePaymentStatus(total, paid decimal.Decimal) Status {
	switch {
	case paid.LessThanOrEqual(decimal.Zero):
		return StatusConfirmed
	case paid.LessThan(total):
		return StatusPartial
	default:
		return StatusPaid
	}
}

func errInvoiceMissing(err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return ErrInvoiceNotFound
	}
	return err
}

func (s *Service) record(ctx context.Context, actorID int64, action string, inv SalesInvoice) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "sales_invoice",
		EntityID: fmt.Sprintf("%d", inv.ID),
		Meta: map[string]any{
			"number": inv.Number,
			"status": string(inv.Status),
			"total":  inv.Total.String(),
		},
	})
}
