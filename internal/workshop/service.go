package workshop

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/pos"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

// RepositoryPort abstracts service order persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (ServiceOrder, error)
	ListOrders(ctx context.Context, filter Filter) ([]ServiceOrder, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetOrderForUpdate(ctx context.Context, id int64) (ServiceOrder, error)
	InsertOrder(ctx context.Context, order ServiceOrder) (ServiceOrder, error)
	InsertItem(ctx context.Context, item OrderItem) (OrderItem, error)
	UpdateOrder(ctx context.Context, id int64, status Status, invoiceID int64) error
	NextNumber(ctx context.Context, docType, period string) (int64, error)
}

// StockPort posts issue movements for consumed parts.
type StockPort interface {
	IssueBatch(ctx context.Context, input stock.IssueBatchInput) ([]stock.Item, error)
}

// CatalogPort resolves products for part pricing.
type CatalogPort interface {
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
}

// InvoicingPort raises the final sales invoice.
type InvoicingPort interface {
	CreateInvoice(ctx context.Context, input pos.CreateInvoiceInput) (pos.SalesInvoice, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the workshop order workflow. Parts consumption moves
// through the ledger as one issue batch, so a single short part rejects
// the whole consumption and leaves stock untouched.
type Service struct {
	repo      RepositoryPort
	stock     StockPort
	catalog   CatalogPort
	invoicing InvoicingPort
	audit     AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, catalogPort CatalogPort, invoicing InvoicingPort, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, catalog: catalogPort, invoicing: invoicing, audit: audit}
}

// Create opens a service order.
func (s *Service) Create(ctx context.Context, input CreateInput) (ServiceOrder, error) {
	if input.CustomerID == 0 || input.LocationID == 0 {
		return ServiceOrder{}, fmt.Errorf("%w: customer and location required", shared.ErrValidation)
	}
	var created ServiceOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextNumber(ctx, "service_order", "all")
		if err != nil {
			return err
		}
		created, err = tx.InsertOrder(ctx, ServiceOrder{
			UID:         uuid.New().String(),
			Number:      fmt.Sprintf("OS-%04d", seq),
			CustomerID:  input.CustomerID,
			LocationID:  input.LocationID,
			Status:      StatusOpen,
			Description: input.Description,
		})
		return err
	})
	if err != nil {
		return ServiceOrder{}, err
	}
	s.record(ctx, input.ActorID, "workshop:create", created)
	return created, nil
}

// Start moves an open order into progress.
func (s *Service) Start(ctx context.Context, id, actorID int64) (ServiceOrder, error) {
	return s.transition(ctx, id, actorID, "workshop:start", StatusInProgress, StatusOpen)
}

// Complete finishes the work.
func (s *Service) Complete(ctx context.Context, id, actorID int64) (ServiceOrder, error) {
	return s.transition(ctx, id, actorID, "workshop:complete", StatusCompleted, StatusInProgress)
}

// Reopen sends a completed order back to the bench.
func (s *Service) Reopen(ctx context.Context, id, actorID int64) (ServiceOrder, error) {
	return s.transition(ctx, id, actorID, "workshop:reopen", StatusInProgress, StatusCompleted)
}

// Cancel voids an order that has not completed.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (ServiceOrder, error) {
	return s.transition(ctx, id, actorID, "workshop:cancel", StatusCancelled, StatusOpen, StatusInProgress)
}

func (s *Service) transition(ctx context.Context, id, actorID int64, action string, to Status, from ...Status) (ServiceOrder, error) {
	var updated ServiceOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return errOrderMissing(err)
		}
		allowed := false
		for _, status := range from {
			if order.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: cannot move order %s from %q to %q", shared.ErrInvalidState, order.Number, order.Status, to)
		}
		if err := tx.UpdateOrder(ctx, id, to, order.InvoiceID); err != nil {
			return err
		}
		order.Status = to
		updated = order
		return nil
	})
	if err != nil {
		return ServiceOrder{}, err
	}
	s.record(ctx, actorID, action, updated)
	return updated, nil
}

// ConsumeParts deducts parts for an in-progress order in one ledger
// batch and appends the matching order lines.
func (s *Service) ConsumeParts(ctx context.Context, input ConsumeInput) (ServiceOrder, error) {
	if len(input.Lines) == 0 {
		return ServiceOrder{}, fmt.Errorf("%w: at least one part required", shared.ErrValidation)
	}
	order, err := s.repo.GetOrder(ctx, input.OrderID)
	if err != nil {
		return ServiceOrder{}, errOrderMissing(err)
	}
	if order.Status != StatusInProgress {
		return ServiceOrder{}, fmt.Errorf("%w: parts need an in-progress order, %s is %q", shared.ErrInvalidState, order.Number, order.Status)
	}

	type pricedLine struct {
		line    PartLine
		product catalog.Product
		price   decimal.Decimal
	}
	priced := make([]pricedLine, 0, len(input.Lines))
	batch := stock.IssueBatchInput{
		Type:    stock.MovementIssue,
		Note:    fmt.Sprintf("parts for %s", order.Number),
		ActorID: input.ActorID,
		RefType: stock.RefServiceOrder,
		RefID:   order.UID,
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 || line.Qty <= 0 {
			return ServiceOrder{}, fmt.Errorf("%w: part line needs product and positive quantity", shared.ErrValidation)
		}
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return ServiceOrder{}, err
		}
		price := line.UnitPrice
		if price.IsZero() {
			price = product.Price
		}
		priced = append(priced, pricedLine{line: line, product: product, price: price})
		batch.Lines = append(batch.Lines, stock.IssueLine{
			ItemKey: stock.ItemKey{ProductID: line.ProductID, VariantID: line.VariantID, LocationID: order.LocationID},
			Qty:     line.Qty,
		})
	}

	ledgerItems, err := s.stock.IssueBatch(ctx, batch)
	if err != nil {
		return ServiceOrder{}, err
	}

	var updated ServiceOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetOrderForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		for i, pl := range priced {
			item, err := tx.InsertItem(ctx, OrderItem{
				OrderID:     locked.ID,
				ProductID:   pl.line.ProductID,
				VariantID:   pl.line.VariantID,
				Description: pl.product.Name,
				Quantity:    pl.line.Qty,
				UnitPrice:   pl.price,
				UnitCost:    ledgerItems[i].AvgCost,
			})
			if err != nil {
				return err
			}
			locked.Items = append(locked.Items, item)
		}
		updated = locked
		return nil
	})
	if err != nil {
		return ServiceOrder{}, err
	}
	s.record(ctx, input.ActorID, "workshop:consume", updated)
	return updated, nil
}

// AddLabor appends a labor or fee line; no stock is involved.
func (s *Service) AddLabor(ctx context.Context, input LaborInput) (ServiceOrder, error) {
	if input.Description == "" {
		return ServiceOrder{}, fmt.Errorf("%w: labor description required", shared.ErrValidation)
	}
	if input.Price.IsNegative() {
		return ServiceOrder{}, fmt.Errorf("%w: labor price must be >= 0", shared.ErrValidation)
	}
	var updated ServiceOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, input.OrderID)
		if err != nil {
			return errOrderMissing(err)
		}
		if order.Status != StatusOpen && order.Status != StatusInProgress {
			return fmt.Errorf("%w: cannot add labor to order in status %q", shared.ErrInvalidState, order.Status)
		}
		item, err := tx.InsertItem(ctx, OrderItem{
			OrderID:     order.ID,
			Description: input.Description,
			Quantity:    1,
			UnitPrice:   input.Price,
		})
		if err != nil {
			return err
		}
		order.Items = append(order.Items, item)
		updated = order
		return nil
	})
	if err != nil {
		return ServiceOrder{}, err
	}
	s.record(ctx, input.ActorID, "workshop:labor", updated)
	return updated, nil
}

// Invoice raises the final sales invoice from a completed order's lines
// and moves the order to invoiced. Parts were already issued, so the
// invoice carries no further ledger postings.
func (s *Service) Invoice(ctx context.Context, id, actorID int64) (ServiceOrder, pos.SalesInvoice, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return ServiceOrder{}, pos.SalesInvoice{}, errOrderMissing(err)
	}
	if order.Status != StatusCompleted {
		return ServiceOrder{}, pos.SalesInvoice{}, fmt.Errorf("%w: only completed orders can be invoiced, %s is %q", shared.ErrInvalidState, order.Number, order.Status)
	}
	if len(order.Items) == 0 {
		return ServiceOrder{}, pos.SalesInvoice{}, fmt.Errorf("%w: order %s has no billable lines", shared.ErrValidation, order.Number)
	}

	invoiceInput := pos.CreateInvoiceInput{
		CustomerID: order.CustomerID,
		LocationID: order.LocationID,
		Notes:      fmt.Sprintf("service order %s", order.Number),
		ActorID:    actorID,
	}
	for _, item := range order.Items {
		invoiceInput.Lines = append(invoiceInput.Lines, pos.InvoiceLineInput{
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			UnitCost:    item.UnitCost,
		})
	}
	invoice, err := s.invoicing.CreateInvoice(ctx, invoiceInput)
	if err != nil {
		return ServiceOrder{}, pos.SalesInvoice{}, err
	}

	var updated ServiceOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetOrderForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		if locked.Status != StatusCompleted {
			return fmt.Errorf("%w: order %s changed state during invoicing", shared.ErrInvalidState, locked.Number)
		}
		if err := tx.UpdateOrder(ctx, locked.ID, StatusInvoiced, invoice.ID); err != nil {
			return err
		}
		locked.Status = StatusInvoiced
		locked.InvoiceID = invoice.ID
		updated = locked
		return nil
	})
	if err != nil {
		return ServiceOrder{}, pos.SalesInvoice{}, err
	}
	s.record(ctx, actorID, "workshop:invoice", updated)
	return updated, invoice, nil
}

// Get fetches one order with its items.
func (s *Service) Get(ctx context.Context, id int64) (ServiceOrder, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return ServiceOrder{}, errOrderMissing(err)
	}
	return order, nil
}

// List lists orders matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]ServiceOrder, error) {
	return s.repo.ListOrders(ctx, filter)
}

func errOrderMissing(err error) error {
	if errors.Is(err, shared.ErrNotFound) {
		return ErrOrderNotFound
	}
	return err
}

func (s *Service) record(ctx context.Context, actorID int64, action string, order ServiceOrder) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "service_order",
		EntityID: fmt.Sprintf("%d", order.ID),
		Meta: map[string]any{
			"number": order.Number,
			"status": string(order.Status),
		},
	})
}
