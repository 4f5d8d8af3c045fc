package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/purchasing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts supplier invoice persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (SupplierInvoice, error)
	ListInvoices(ctx context.Context, filter Filter) ([]SupplierInvoice, error)
	ListOpenInvoices(ctx context.Context) ([]SupplierInvoice, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id int64) (SupplierInvoice, error)
	InsertInvoice(ctx context.Context, inv SupplierInvoice) (SupplierInvoice, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	UpdateInvoice(ctx context.Context, id int64, paid decimal.Decimal, status Status) error
	NextNumber(ctx context.Context, docType, period string) (int64, error)
}

// PurchasingPort reads purchase orders for invoice derivation.
type PurchasingPort interface {
	Get(ctx context.Context, id int64) (purchasing.PurchaseOrder, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the supplier invoicing workflow. Money is decimal end to
// end; the payment tx rederives the invoice status from the payment sum so
// two concurrent payments cannot race the status.
type Service struct {
	repo       RepositoryPort
	purchasing PurchasingPort
	audit      AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, purchasingPort PurchasingPort, audit AuditPort) *Service {
	return &Service{repo: repo, purchasing: purchasingPort, audit: audit}
}

// Create raises a manual supplier invoice.
func (s *Service) Create(ctx context.Context, input CreateInput) (SupplierInvoice, error) {
	if input.SupplierID == 0 {
		return SupplierInvoice{}, fmt.Errorf("%w: supplier required", shared.ErrValidation)
	}
	if !input.Total.IsPositive() {
		return SupplierInvoice{}, ErrInvalidAmount
	}
	due := input.DueAt
	if due.IsZero() {
		due = time.Now().UTC().AddDate(0, 0, 30)
	}
	inv, err := s.insert(ctx, SupplierInvoice{
		SupplierID: input.SupplierID,
		OrderID:    input.OrderID,
		Total:      input.Total,
		Status:     StatusUnpaid,
		Notes:      input.Notes,
		IssuedAt:   time.Now().UTC(),
		DueAt:      due,
	})
	if err != nil {
		return SupplierInvoice{}, err
	}
	s.record(ctx, input.ActorID, "billing:create", inv)
	return inv, nil
}

// CreateFromPurchaseOrder derives an invoice from what was actually
// received on a purchase order, valued at the ordered unit costs.
func (s *Service) CreateFromPurchaseOrder(ctx context.Context, orderID int64, dueAt time.Time, actorID int64) (SupplierInvoice, error) {
	po, err := s.purchasing.Get(ctx, orderID)
	if err != nil {
		return SupplierInvoice{}, err
	}
	if po.Status != purchasing.StatusReceived && po.Status != purchasing.StatusPartial {
		return SupplierInvoice{}, fmt.Errorf("%w: order %s has not received goods", shared.ErrInvalidState, po.Number)
	}
	total := decimal.Zero
	for _, item := range po.Items {
		line := decimal.NewFromFloat(item.ReceivedQuantity).Mul(decimal.NewFromFloat(item.UnitCost))
		total = total.Add(line)
	}
	if !total.IsPositive() {
		return SupplierInvoice{}, ErrInvalidAmount
	}
	if dueAt.IsZero() {
		dueAt = time.Now().UTC().AddDate(0, 0, 30)
	}
	inv, err := s.insert(ctx, SupplierInvoice{
		SupplierID: po.SupplierID,
		OrderID:    po.ID,
		Total:      total.Round(2),
		Status:     StatusUnpaid,
		Notes:      fmt.Sprintf("goods received against %s", po.Number),
		IssuedAt:   time.Now().UTC(),
		DueAt:      dueAt,
	})
	if err != nil {
		return SupplierInvoice{}, err
	}
	s.record(ctx, actorID, "billing:create_from_po", inv)
	return inv, nil
}

func (s *Service) insert(ctx context.Context, inv SupplierInvoice) (SupplierInvoice, error) {
	var created SupplierInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year := time.Now().UTC().Format("2006")
		seq, err := tx.NextNumber(ctx, "supplier_invoice", year)
		if err != nil {
			return err
		}
		inv.Number = fmt.Sprintf("NF-FOR-%s-%04d", year, seq)
		inv.PaidAmount = decimal.Zero
		created, err = tx.InsertInvoice(ctx, inv)
		return err
	})
	return created, err
}

// RegisterPayment books a settlement and rederives the status inside the
// same transaction.
func (s *Service) RegisterPayment(ctx context.Context, input PaymentInput) (SupplierInvoice, error) {
	if !input.Amount.IsPositive() {
		return SupplierInvoice{}, ErrInvalidAmount
	}
	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	var updated SupplierInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return errInvoiceMissing(err)
		}
		if inv.Status == StatusCancelled {
			return fmt.Errorf("%w: invoice %s is cancelled", shared.ErrInvalidState, inv.Number)
		}
		if inv.Status == StatusPaid {
			return fmt.Errorf("%w: invoice %s is already paid", shared.ErrInvalidState, inv.Number)
		}
		year := paidAt.Format("2006")
		seq, err := tx.NextNumber(ctx, "supplier_payment", year)
		if err != nil {
			return err
		}
		payment := Payment{
			Number:    fmt.Sprintf("PG-%s-%04d", year, seq),
			InvoiceID: inv.ID,
			Amount:    input.Amount,
			Method:    input.Method,
			Note:      input.Note,
			PaidAt:    paidAt,
		}
		if _, err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		inv.PaidAmount = inv.PaidAmount.Add(input.Amount)
		inv.Status = deriveStatus(inv.Total, inv.PaidAmount)
		if err := tx.UpdateInvoice(ctx, inv.ID, inv.PaidAmount, inv.Status); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return SupplierInvoice{}, err
	}
	s.record(ctx, input.ActorID, "billing:payment", updated)
	return updated, nil
}

// Cancel voids an invoice that has not been fully paid.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) (SupplierInvoice, error) {
	var cancelled SupplierInvoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return errInvoiceMissing(err)
		}
		if inv.Status == StatusPaid || inv.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot cancel invoice in status %q", shared.ErrInvalidState, inv.Status)
		}
		if err := tx.UpdateInvoice(ctx, inv.ID, inv.PaidAmount, StatusCancelled); err != nil {
			return err
		}
		inv.Status = StatusCancelled
		cancelled = inv
		return nil
	})
	if err != nil {
		return SupplierInvoice{}, err
	}
	s.record(ctx, actorID, "billing:cancel", cancelled)
	return cancelled, nil
}

// Get fetches one invoice with its payments.
func (s *Service) Get(ctx context.Context, id int64) (SupplierInvoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return SupplierInvoice{}, errInvoiceMissing(err)
	}
	return inv, nil
}

// List lists invoices matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]SupplierInvoice, error) {
	return s.repo.ListInvoices(ctx, filter)
}

// AgingReport buckets every open invoice's outstanding amount by days
// past due.
func (s *Service) AgingReport(ctx context.Context, asOf time.Time) (Aging, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	open, err := s.repo.ListOpenInvoices(ctx)
	if err != nil {
		return Aging{}, err
	}
	report := Aging{
		Current:     decimal.Zero,
		Days30:      decimal.Zero,
		Days60:      decimal.Zero,
		Days90:      decimal.Zero,
		Days120Plus: decimal.Zero,
	}
	for _, inv := range open {
		out := inv.Outstanding()
		if !out.IsPositive() {
			continue
		}
		overdue := int(asOf.Sub(inv.DueAt).Hours() / 24)
		switch {
		case overdue <= 0:
			report.Current = report.Current.Add(out)
		case overdue <= 30:
			report.Days30 = report.Days30.Add(out)
		case overdue <= 60:
			report.Days60 = report.Days60.Add(out)
		case overdue <= 90:
			report.Days90 = report.Days90.Add(out)
		default:
			report.Days120Plus = report.Days120Plus.Add(out)
		}
	}
	return report, nil
}

func deriveStatus(total, paid decimal.Decimal) Status {
	switch {
	case paid.LessThanOrEqual(decimal.Zero):
		return StatusUnpaid
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

func (s *Service) record(ctx context.Context, actorID int64, action string, inv SupplierInvoice) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "supplier_invoice",
		EntityID: fmt.Sprintf("%d", inv.ID),
		Meta: map[string]any{
			"number": inv.Number,
			"status": string(inv.Status),
			"total":  inv.Total.String(),
			"paid":   inv.PaidAmount.String(),
		},
	})
}
