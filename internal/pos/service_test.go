package pos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/catalog"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

type memRepo struct {
	mu       sync.Mutex
	invoices map[int64]*SalesInvoice
	seqs     map[string]int64
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{invoices: make(map[int64]*SalesInvoice), seqs: make(map[string]int64)}
}

type memTx struct {
	repo *memRepo
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memTx{repo: m})
}

func (m *memRepo) GetInvoice(_ context.Context, id int64) (SalesInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return SalesInvoice{}, shared.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (m *memRepo) ListInvoices(_ context.Context, filter Filter) ([]SalesInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SalesInvoice
	for _, inv := range m.invoices {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	return out, nil
}

func (t *memTx) GetInvoiceForUpdate(_ context.Context, id int64) (SalesInvoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return SalesInvoice{}, shared.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (t *memTx) InsertInvoice(_ context.Context, inv SalesInvoice) (SalesInvoice, error) {
	t.repo.nextID++
	inv.ID = t.repo.nextID
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	for i := range inv.Items {
		t.repo.nextID++
		inv.Items[i].ID = t.repo.nextID
		inv.Items[i].InvoiceID = inv.ID
	}
	stored := cloneInvoice(&inv)
	t.repo.invoices[inv.ID] = &stored
	return inv, nil
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

func (t *memTx) UpdateItemCost(_ context.Context, itemID int64, unitCost float64) error {
	for _, inv := range t.repo.invoices {
		for i := range inv.Items {
			if inv.Items[i].ID == itemID {
				inv.Items[i].UnitCost = unitCost
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (t *memTx) UpdateItemReturned(_ context.Context, itemID int64, returned float64) error {
	for _, inv := range t.repo.invoices {
		for i := range inv.Items {
			if inv.Items[i].ID == itemID {
				inv.Items[i].ReturnedQty = returned
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (t *memTx) NextNumber(_ context.Context, docType, period string) (int64, error) {
	key := docType + ":" + period
	t.repo.seqs[key]++
	return t.repo.seqs[key], nil
}

func cloneInvoice(inv *SalesInvoice) SalesInvoice {
	out := *inv
	out.Items = append([]InvoiceItem(nil), inv.Items...)
	return out
}

type fakeStock struct {
	levels  map[stock.ItemKey]float64
	costs   map[stock.ItemKey]float64
	batches []stock.IssueBatchInput
	returns []stock.ReturnInput
}

func newFakeStock() *fakeStock {
	return &fakeStock{levels: make(map[stock.ItemKey]float64), costs: make(map[stock.ItemKey]float64)}
}

func (f *fakeStock) IssueBatch(_ context.Context, input stock.IssueBatchInput) ([]stock.Item, error) {
	for _, line := range input.Lines {
		if f.levels[line.ItemKey] < line.Qty {
			return nil, stock.ErrInsufficientStock
		}
	}
	items := make([]stock.Item, 0, len(input.Lines))
	for _, line := range input.Lines {
		f.levels[line.ItemKey] -= line.Qty
		items = append(items, stock.Item{
			ItemKey:  line.ItemKey,
			Quantity: f.levels[line.ItemKey],
			AvgCost:  f.costs[line.ItemKey],
		})
	}
	f.batches = append(f.batches, input)
	return items, nil
}

func (f *fakeStock) PostReturn(_ context.Context, input stock.ReturnInput) (stock.Item, error) {
	f.levels[input.ItemKey] += input.Qty
	f.returns = append(f.returns, input)
	return stock.Item{ItemKey: input.ItemKey, Quantity: f.levels[input.ItemKey]}, nil
}

type fakeCatalog struct {
	products map[int64]catalog.Product
}

func (f *fakeCatalog) GetProduct(_ context.Context, id int64) (catalog.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return catalog.Product{}, shared.ErrNotFound
	}
	return p, nil
}

func money(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func fixture(t *testing.T) (*Service, *fakeStock, *memRepo) {
	t.Helper()
	st := newFakeStock()
	st.levels[stock.ItemKey{ProductID: 1, LocationID: 1}] = 10
	st.costs[stock.ItemKey{ProductID: 1, LocationID: 1}] = 4.50
	st.levels[stock.ItemKey{ProductID: 2, LocationID: 1}] = 1
	st.costs[stock.ItemKey{ProductID: 2, LocationID: 1}] = 20
	cat := &fakeCatalog{products: map[int64]catalog.Product{
		1: {ID: 1, SKU: "OIL-1", Name: "Engine Oil", Price: money("10.00")},
		2: {ID: 2, SKU: "FIL-1", Name: "Oil Filter", Price: money("35.50")},
	}}
	repo := newMemRepo()
	return NewService(repo, st, cat, nil), st, repo
}

func TestCheckoutPricesAndPosts(t *testing.T) {
	svc, st, _ := fixture(t)
	ctx := context.Background()

	inv, err := svc.Checkout(ctx, CheckoutInput{
		LocationID: 1,
		Lines: []CartLine{
			{ProductID: 1, Qty: 2},
			{ProductID: 2, Qty: 1},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "FAT-000001", inv.Number)
	require.Equal(t, StatusConfirmed, inv.Status)
	// 2*10.00 + 1*35.50
	require.True(t, inv.Total.Equal(money("55.50")), inv.Total.String())
	require.InDelta(t, 4.50, inv.Items[0].UnitCost, 1e-9)

	require.Len(t, st.batches, 1)
	require.Equal(t, stock.MovementSale, st.batches[0].Type)
	require.Equal(t, stock.RefSalesInvoice, st.batches[0].RefType)
	require.Equal(t, inv.UID, st.batches[0].RefID)
	require.InDelta(t, 8, st.levels[stock.ItemKey{ProductID: 1, LocationID: 1}], 1e-9)
}

func TestCheckoutHonoursPriceOverride(t *testing.T) {
	svc, _, _ := fixture(t)

	inv, err := svc.Checkout(context.Background(), CheckoutInput{
		LocationID: 1,
		Lines:      []CartLine{{ProductID: 1, Qty: 1, UnitPrice: money("8.00")}},
	})
	require.NoError(t, err)
	require.True(t, inv.Total.Equal(money("8.00")))
}

func TestCheckoutShortLineRejectsWholeSale(t *testing.T) {
	svc, st, repo := fixture(t)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, CheckoutInput{
		LocationID: 1,
		Lines: []CartLine{
			{ProductID: 1, Qty: 2},
			{ProductID: 2, Qty: 5}, // only 1 on hand
		},
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Empty(t, st.batches)
	require.InDelta(t, 10, st.levels[stock.ItemKey{ProductID: 1, LocationID: 1}], 1e-9)

	// The draft is voided, not left dangling.
	invoices, err := repo.ListInvoices(ctx, Filter{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
}

func TestRegisterPaymentDerivesStatus(t *testing.T) {
	svc, _, _ := fixture(t)
	ctx := context.Background()

	inv, err := svc.Checkout(ctx, CheckoutInput{
		LocationID: 1,
		Lines:      []CartLine{{ProductID: 1, Qty: 2}},
	})
	require.NoError(t, err)

	inv, err = svc.RegisterPayment(ctx, inv.ID, money("5.00"), 1)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, inv.Status)

	inv, err = svc.RegisterPayment(ctx, inv.ID, money("15.00"), 1)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)

	_, err = svc.RegisterPayment(ctx, inv.ID, money("1.00"), 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReturnClampsAndRestocks(t *testing.T) {
	svc, st, _ := fixture(t)
	ctx := context.Background()

	inv, err := svc.Checkout(ctx, CheckoutInput{
		LocationID: 1,
		Lines:      []CartLine{{ProductID: 1, Qty: 2}},
	})
	require.NoError(t, err)

	updated, err := svc.Return(ctx, ReturnInput{
		InvoiceID: inv.ID,
		Lines:     []ReturnLine{{ItemID: inv.Items[0].ID, Qty: 5}},
	})
	require.NoError(t, err)
	require.InDelta(t, 2, updated.Items[0].ReturnedQty, 1e-9)

	require.Len(t, st.returns, 1)
	require.InDelta(t, 2, st.returns[0].Qty, 1e-9)
	require.InDelta(t, 4.50, st.returns[0].UnitCost, 1e-9)
	require.Equal(t, inv.UID, st.returns[0].RefID)
	require.InDelta(t, 10, st.levels[stock.ItemKey{ProductID: 1, LocationID: 1}], 1e-9)

	_, err = svc.Return(ctx, ReturnInput{
		InvoiceID: inv.ID,
		Lines:     []ReturnLine{{ItemID: inv.Items[0].ID, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrNothingToReturn)
}

func TestConcurrentReturnsClampToSold(t *testing.T) {
	svc, st, _ := fixture(t)
	ctx := context.Background()

	inv, err := svc.Checkout(ctx, CheckoutInput{
		LocationID: 1,
		Lines:      []CartLine{{ProductID: 1, Qty: 2}},
	})
	require.NoError(t, err)

	// Two returns race for the same 2-unit line. Whoever locks the invoice
	// second must see the line fully returned and restock nothing.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Return(ctx, ReturnInput{
				InvoiceID: inv.ID,
				Lines:     []ReturnLine{{ItemID: inv.Items[0].ID, Qty: 2}},
			})
		}(i)
	}
	wg.Wait()

	require.ErrorIs(t, errors.Join(errs[0], errs[1]), ErrNothingToReturn)

	final, err := svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.InDelta(t, 2, final.Items[0].ReturnedQty, 1e-9)

	var restocked float64
	for _, ret := range st.returns {
		restocked += ret.Qty
	}
	require.InDelta(t, 2, restocked, 1e-9)
	require.InDelta(t, 10, st.levels[stock.ItemKey{ProductID: 1, LocationID: 1}], 1e-9)
}

func TestCreateInvoiceSkipsLedger(t *testing.T) {
	svc, st, _ := fixture(t)

	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		CustomerID: 5,
		LocationID: 1,
		Lines: []InvoiceLineInput{
			{ProductID: 1, Description: "Engine Oil", Quantity: 1, UnitPrice: money("10.00"), UnitCost: 4.50},
			{Description: "Labor: oil change", Quantity: 1, UnitPrice: money("25.00")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, inv.Status)
	require.True(t, inv.Total.Equal(money("35.00")))
	require.Empty(t, st.batches)
}
