package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/purchasing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memRepo struct {
	mu       sync.Mutex
	invoices map[int64]*SupplierInvoice
	payments []Payment
	seqs     map[string]int64
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{invoices: make(map[int64]*SupplierInvoice), seqs: make(map[string]int64)}
}

type memTx struct {
	repo *memRepo
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memTx{repo: m})
}

func (m *memRepo) GetInvoice(_ context.Context, id int64) (SupplierInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return SupplierInvoice{}, shared.ErrNotFound
	}
	out := *inv
	for _, p := range m.payments {
		if p.InvoiceID == id {
			out.Payments = append(out.Payments, p)
		}
	}
	return out, nil
}

func (m *memRepo) ListInvoices(_ context.Context, filter Filter) ([]SupplierInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SupplierInvoice
	for _, inv := range m.invoices {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if filter.SupplierID != 0 && inv.SupplierID != filter.SupplierID {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (m *memRepo) ListOpenInvoices(_ context.Context) ([]SupplierInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SupplierInvoice
	for _, inv := range m.invoices {
		if inv.Status == StatusUnpaid || inv.Status == StatusPartial {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (t *memTx) GetInvoiceForUpdate(_ context.Context, id int64) (SupplierInvoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return SupplierInvoice{}, shared.ErrNotFound
	}
	return *inv, nil
}

func (t *memTx) InsertInvoice(_ context.Context, inv SupplierInvoice) (SupplierInvoice, error) {
	t.repo.nextID++
	inv.ID = t.repo.nextID
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	stored := inv
	t.repo.invoices[inv.ID] = &stored
	return inv, nil
}

func (t *memTx) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	t.repo.nextID++
	p.ID = t.repo.nextID
	t.repo.payments = append(t.repo.payments, p)
	return p, nil
}

func (t *memTx) UpdateInvoice(_ context.Context, id int64, paid decimal.Decimal, status Status) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return shared.ErrNotFound
	}
	inv.PaidAmount = paid
	inv.Status = status
	return nil
}

func (t *memTx) NextNumber(_ context.Context, docType, period string) (int64, error) {
	key := docType + ":" + period
	t.repo.seqs[key]++
	return t.repo.seqs[key], nil
}

type fakePurchasing struct {
	orders map[int64]purchasing.PurchaseOrder
}

func (f *fakePurchasing) Get(_ context.Context, id int64) (purchasing.PurchaseOrder, error) {
	po, ok := f.orders[id]
	if !ok {
		return purchasing.PurchaseOrder{}, purchasing.ErrOrderNotFound
	}
	return po, nil
}

func money(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestCreateAssignsNumberAndDefaults(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil)

	inv, err := svc.Create(context.Background(), CreateInput{SupplierID: 1, Total: money("150.00")})
	require.NoError(t, err)
	year := time.Now().UTC().Format("2006")
	require.Equal(t, "NF-FOR-"+year+"-0001", inv.Number)
	require.Equal(t, StatusUnpaid, inv.Status)
	require.False(t, inv.DueAt.IsZero())
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{SupplierID: 0, Total: money("10")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(ctx, CreateInput{SupplierID: 1, Total: money("0")})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPaymentStatusDerivation(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, CreateInput{SupplierID: 1, Total: money("100.00")})
	require.NoError(t, err)
	require.Equal(t, StatusUnpaid, inv.Status)

	inv, err = svc.RegisterPayment(ctx, PaymentInput{InvoiceID: inv.ID, Amount: money("40.00")})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, inv.Status)
	require.True(t, inv.PaidAmount.Equal(money("40.00")))

	inv, err = svc.RegisterPayment(ctx, PaymentInput{InvoiceID: inv.ID, Amount: money("60.00")})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)
	require.True(t, inv.Outstanding().IsZero())

	_, err = svc.RegisterPayment(ctx, PaymentInput{InvoiceID: inv.ID, Amount: money("1.00")})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestPaymentValidation(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.RegisterPayment(ctx, PaymentInput{InvoiceID: 1, Amount: money("-5")})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RegisterPayment(ctx, PaymentInput{InvoiceID: 99, Amount: money("5")})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestCancelRules(t *testing.T) {
	svc := NewService(newMemRepo(), nil, nil)
	ctx := context.Background()

	inv, err := svc.Create(ctx, CreateInput{SupplierID: 1, Total: money("50")})
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, inv.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = svc.RegisterPayment(ctx, PaymentInput{InvoiceID: inv.ID, Amount: money("10")})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	inv, err = svc.Create(ctx, CreateInput{SupplierID: 1, Total: money("50")})
	require.NoError(t, err)
	_, err = svc.RegisterPayment(ctx, PaymentInput{InvoiceID: inv.ID, Amount: money("50")})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, inv.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCreateFromPurchaseOrder(t *testing.T) {
	po := purchasing.PurchaseOrder{
		ID:         7,
		Number:     "OC-2026-0007",
		SupplierID: 3,
		Status:     purchasing.StatusPartial,
		Items: []purchasing.Item{
			{ProductID: 1, Quantity: 5, ReceivedQuantity: 3, UnitCost: 2.50},
			{ProductID: 2, Quantity: 2, ReceivedQuantity: 2, UnitCost: 10},
		},
	}
	svc := NewService(newMemRepo(), &fakePurchasing{orders: map[int64]purchasing.PurchaseOrder{7: po}}, nil)

	inv, err := svc.CreateFromPurchaseOrder(context.Background(), 7, time.Time{}, 1)
	require.NoError(t, err)
	// 3*2.50 + 2*10 = 27.50, received quantities only.
	require.True(t, inv.Total.Equal(money("27.50")), inv.Total.String())
	require.Equal(t, int64(3), inv.SupplierID)
	require.Equal(t, int64(7), inv.OrderID)
}

func TestCreateFromPurchaseOrderRequiresReceipts(t *testing.T) {
	po := purchasing.PurchaseOrder{ID: 8, Number: "OC-2026-0008", SupplierID: 3, Status: purchasing.StatusApproved}
	svc := NewService(newMemRepo(), &fakePurchasing{orders: map[int64]purchasing.PurchaseOrder{8: po}}, nil)

	_, err := svc.CreateFromPurchaseOrder(context.Background(), 8, time.Time{}, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestAgingReport(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	asOf := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	mk := func(total string, due time.Time) {
		inv, err := svc.Create(ctx, CreateInput{SupplierID: 1, Total: money(total), DueAt: due})
		require.NoError(t, err)
		_ = inv
	}
	mk("100", asOf.AddDate(0, 0, 10))  // not yet due
	mk("200", asOf.AddDate(0, 0, -10)) // 10 days overdue
	mk("300", asOf.AddDate(0, 0, -45)) // 45 days overdue
	mk("400", asOf.AddDate(0, 0, -80)) // 80 days overdue
	mk("500", asOf.AddDate(0, 0, -200))

	report, err := svc.AgingReport(ctx, asOf)
	require.NoError(t, err)
	require.True(t, report.Current.Equal(money("100")))
	require.True(t, report.Days30.Equal(money("200")))
	require.True(t, report.Days60.Equal(money("300")))
	require.True(t, report.Days90.Equal(money("400")))
	require.True(t, report.Days120Plus.Equal(money("500")))
}
