package purchasing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/internal/stock"
)

type memRepo struct {
	mu     sync.Mutex
	orders map[int64]*PurchaseOrder
	seqs   map[string]int64
	nextID int64
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[int64]*PurchaseOrder), seqs: make(map[string]int64)}
}

type memTx struct {
	repo *memRepo
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memTx{repo: m})
}

func (m *memRepo) GetOrder(_ context.Context, id int64) (PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	return clone(po), nil
}

func (m *memRepo) ListOrders(_ context.Context, filter Filter) ([]PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range m.orders {
		if filter.Status != "" && po.Status != filter.Status {
			continue
		}
		if filter.SupplierID != 0 && po.SupplierID != filter.SupplierID {
			continue
		}
		out = append(out, clone(po))
	}
	return out, nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id int64) (PurchaseOrder, error) {
	po, ok := t.repo.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	return clone(po), nil
}

func (t *memTx) InsertOrder(_ context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	t.repo.nextID++
	po.ID = t.repo.nextID
	po.CreatedAt = time.Now()
	po.UpdatedAt = po.CreatedAt
	for i := range po.Items {
		t.repo.nextID++
		po.Items[i].ID = t.repo.nextID
		po.Items[i].OrderID = po.ID
	}
	stored := clone(&po)
	t.repo.orders[po.ID] = &stored
	return po, nil
}

func (t *memTx) UpdateStatus(_ context.Context, id int64, status Status, approvedAt *time.Time) error {
	po, ok := t.repo.orders[id]
	if !ok {
		return shared.ErrNotFound
	}
	po.Status = status
	if approvedAt != nil {
		po.ApprovedAt = approvedAt
	}
	return nil
}

func (t *memTx) UpdateItemReceived(_ context.Context, itemID int64, received float64) error {
	for _, po := range t.repo.orders {
		for i := range po.Items {
			if po.Items[i].ID == itemID {
				po.Items[i].ReceivedQuantity = received
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

func clone(po *PurchaseOrder) PurchaseOrder {
	out := *po
	out.Items = append([]Item(nil), po.Items...)
	return out
}

type fakeStock struct {
	receipts []stock.ReceiptInput
	failAt   int
}

func (f *fakeStock) PostReceipt(_ context.Context, input stock.ReceiptInput) (stock.Item, error) {
	if f.failAt > 0 && len(f.receipts)+1 >= f.failAt {
		return stock.Item{}, errors.New("stock down")
	}
	f.receipts = append(f.receipts, input)
	return stock.Item{ItemKey: input.ItemKey, Quantity: input.Qty}, nil
}

type fakeIdem struct {
	keys map[string]bool
}

func newFakeIdem() *fakeIdem { return &fakeIdem{keys: make(map[string]bool)} }

func (f *fakeIdem) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdem) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

func newTestOrder(t *testing.T, svc *Service) PurchaseOrder {
	t.Helper()
	po, err := svc.Create(context.Background(), CreateInput{
		SupplierID: 1,
		LocationID: 1,
		Items: []CreateItem{
			{ProductID: 10, Quantity: 5, UnitCost: 2.50},
			{ProductID: 11, Quantity: 3, UnitCost: 4},
		},
	})
	require.NoError(t, err)
	return po
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	svc := NewService(newMemRepo(), &fakeStock{}, newFakeIdem(), nil)

	first := newTestOrder(t, svc)
	second := newTestOrder(t, svc)
	year := time.Now().UTC().Format("2006")
	require.Equal(t, "OC-"+year+"-0001", first.Number)
	require.Equal(t, "OC-"+year+"-0002", second.Number)
	require.Equal(t, StatusDraft, first.Status)
	require.Len(t, first.Items, 2)
}

func TestApproveOnlyFromDraft(t *testing.T) {
	svc := NewService(newMemRepo(), &fakeStock{}, newFakeIdem(), nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)

	approved, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	_, err = svc.Approve(ctx, po.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReceiveClampsToOutstanding(t *testing.T) {
	st := &fakeStock{}
	svc := NewService(newMemRepo(), st, newFakeIdem(), nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)
	_, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)

	// First delivery: 3 of 5 on the first line.
	updated, err := svc.Receive(ctx, ReceiveInput{
		OrderID: po.ID,
		Lines:   []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, updated.Status)
	require.InDelta(t, 3, updated.Items[0].ReceivedQuantity, 1e-9)

	// Second delivery asks for 10; only 2 are outstanding.
	updated, err = svc.Receive(ctx, ReceiveInput{
		OrderID: po.ID,
		Lines:   []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 10}},
	})
	require.NoError(t, err)
	require.InDelta(t, 5, updated.Items[0].ReceivedQuantity, 1e-9)
	require.Equal(t, StatusPartial, updated.Status)

	require.Len(t, st.receipts, 2)
	require.InDelta(t, 2, st.receipts[1].Qty, 1e-9)
	require.Equal(t, stock.RefPurchaseOrder, st.receipts[1].RefType)
}

func TestReceiveAllLinesCompletesOrder(t *testing.T) {
	svc := NewService(newMemRepo(), &fakeStock{}, newFakeIdem(), nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)
	_, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)

	updated, err := svc.Receive(ctx, ReceiveInput{
		OrderID: po.ID,
		Lines: []ReceiveLine{
			{ItemID: po.Items[0].ID, Qty: 5},
			{ItemID: po.Items[1].ID, Qty: 3},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusReceived, updated.Status)
}

func TestReceiveRejectsFullLines(t *testing.T) {
	svc := NewService(newMemRepo(), &fakeStock{}, newFakeIdem(), nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)
	_, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiveInput{
		OrderID: po.ID,
		Lines:   []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 5}},
	})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiveInput{
		OrderID: po.ID,
		Lines:   []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrNothingToReceive)
}

func TestReceiveRequiresApprovedOrder(t *testing.T) {
	svc := NewService(newMemRepo(), &fakeStock{}, newFakeIdem(), nil)
	po := newTestOrder(t, svc)

	_, err := svc.Receive(context.Background(), ReceiveInput{
		OrderID: po.ID,
		Lines:   []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 1}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReceiveIdempotencyKey(t *testing.T) {
	st := &fakeStock{}
	svc := NewService(newMemRepo(), st, newFakeIdem(), nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)
	_, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)

	input := ReceiveInput{
		OrderID:   po.ID,
		Lines:     []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 2}},
		RequestID: "req-1",
	}
	_, err = svc.Receive(ctx, input)
	require.NoError(t, err)

	_, err = svc.Receive(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, st.receipts, 1)
}

func TestReceiveReleasesKeyWhenNothingPosts(t *testing.T) {
	st := &fakeStock{failAt: 1}
	idem := newFakeIdem()
	svc := NewService(newMemRepo(), st, idem, nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)
	_, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)

	input := ReceiveInput{
		OrderID:   po.ID,
		Lines:     []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 2}},
		RequestID: "req-2",
	}
	_, err = svc.Receive(ctx, input)
	require.Error(t, err)
	require.Empty(t, idem.keys)

	// The retry goes through once stock recovers.
	st.failAt = 0
	_, err = svc.Receive(ctx, input)
	require.NoError(t, err)
}

func TestConcurrentReceivesClampToOrdered(t *testing.T) {
	st := &fakeStock{}
	svc := NewService(newMemRepo(), st, newFakeIdem(), nil)
	ctx := context.Background()
	po := newTestOrder(t, svc)
	_, err := svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)

	// Two deliveries race for the same 5-unit line. Whoever locks the order
	// second must see the line already full and book nothing.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Receive(ctx, ReceiveInput{
				OrderID:   po.ID,
				Lines:     []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 5}},
				RequestID: fmt.Sprintf("dock-%d", n),
			})
		}(i)
	}
	wg.Wait()

	require.ErrorIs(t, errors.Join(errs[0], errs[1]), ErrNothingToReceive)

	final, err := svc.Get(ctx, po.ID)
	require.NoError(t, err)
	require.InDelta(t, 5, final.Items[0].ReceivedQuantity, 1e-9)

	var totalPosted float64
	for _, rec := range st.receipts {
		totalPosted += rec.Qty
	}
	require.InDelta(t, 5, totalPosted, 1e-9)
}

func TestCancelRules(t *testing.T) {
	st := &fakeStock{}
	svc := NewService(newMemRepo(), st, newFakeIdem(), nil)
	ctx := context.Background()

	po := newTestOrder(t, svc)
	cancelled, err := svc.Cancel(ctx, po.ID, 1)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	po = newTestOrder(t, svc)
	_, err = svc.Approve(ctx, po.ID, 1)
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{
		OrderID: po.ID,
		Lines:   []ReceiveLine{{ItemID: po.Items[0].ID, Qty: 1}},
	})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, po.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}
