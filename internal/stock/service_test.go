package stock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu        sync.Mutex
	items     map[ItemKey]Item
	movements []Movement
	nextID    int64
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[ItemKey]Item)}
}

type memTx struct {
	items     map[ItemKey]Item
	movements []Movement
	nextID    int64
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{items: make(map[ItemKey]Item, len(m.items)), nextID: m.nextID}
	for k, v := range m.items {
		tx.items[k] = v
	}
	tx.movements = append(tx.movements, m.movements...)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.items = tx.items
	m.movements = tx.movements
	m.nextID = tx.nextID
	return nil
}

func (m *memRepo) GetItem(_ context.Context, key ItemKey) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

func (m *memRepo) ListItems(_ context.Context, filter ItemFilter) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, item := range m.items {
		if filter.LocationID != 0 && item.LocationID != filter.LocationID {
			continue
		}
		if filter.ProductID != 0 && item.ProductID != filter.ProductID {
			continue
		}
		if filter.BelowQty > 0 && item.Quantity >= filter.BelowQty {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *memRepo) ListMovements(_ context.Context, filter MovementFilter) ([]Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Movement
	for _, mv := range m.movements {
		if filter.ProductID != 0 && mv.ProductID != filter.ProductID {
			continue
		}
		if filter.LocationID != 0 && mv.LocationID != filter.LocationID {
			continue
		}
		if filter.Type != "" && mv.Type != filter.Type {
			continue
		}
		out = append(out, mv)
	}
	return out, nil
}

func (t *memTx) GetItemForUpdate(_ context.Context, key ItemKey) (Item, error) {
	item, ok := t.items[key]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

func (t *memTx) InsertItem(_ context.Context, item Item) error {
	t.items[item.ItemKey] = item
	return nil
}

func (t *memTx) UpdateItem(_ context.Context, item Item) error {
	if _, ok := t.items[item.ItemKey]; !ok {
		return ErrItemNotFound
	}
	t.items[item.ItemKey] = item
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, movement Movement) (int64, error) {
	t.nextID++
	movement.ID = t.nextID
	t.movements = append(t.movements, movement)
	return movement.ID, nil
}

func newTestService(repo *memRepo, cfg ServiceConfig) *Service {
	return NewService(repo, nil, nil, cfg)
}

func TestPostReceiptMovingAverage(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	item, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 5, RefType: RefPurchaseOrder})
	require.NoError(t, err)
	require.InDelta(t, 10, item.Quantity, 1e-9)
	require.InDelta(t, 5, item.AvgCost, 1e-9)

	item, err = svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 7, RefType: RefPurchaseOrder})
	require.NoError(t, err)
	require.InDelta(t, 20, item.Quantity, 1e-9)
	require.InDelta(t, 6, item.AvgCost, 1e-9)
}

func TestOutboundKeepsAverageAndValuesAtIt(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 4})
	require.NoError(t, err)

	items, err := svc.IssueBatch(ctx, IssueBatchInput{
		Type:    MovementSale,
		Lines:   []IssueLine{{ItemKey: key, Qty: 3}},
		RefType: RefSalesInvoice,
	})
	require.NoError(t, err)
	require.InDelta(t, 7, items[0].Quantity, 1e-9)
	require.InDelta(t, 4, items[0].AvgCost, 1e-9)

	movements, err := svc.ListMovements(ctx, MovementFilter{Type: MovementSale})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.InDelta(t, -3, movements[0].Quantity, 1e-9)
	require.InDelta(t, 4, movements[0].UnitCost, 1e-9)
}

func TestIssueRejectsInsufficientStock(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 2, UnitCost: 1})
	require.NoError(t, err)

	_, err = svc.IssueBatch(ctx, IssueBatchInput{
		Type:  MovementSale,
		Lines: []IssueLine{{ItemKey: key, Qty: 5}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	item, err := svc.GetItem(ctx, key)
	require.NoError(t, err)
	require.InDelta(t, 2, item.Quantity, 1e-9)

	movements, err := svc.ListMovements(ctx, MovementFilter{Type: MovementSale})
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestIssueAgainstAbsentRowFails(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})

	_, err := svc.IssueBatch(context.Background(), IssueBatchInput{
		Type:  MovementIssue,
		Lines: []IssueLine{{ItemKey: ItemKey{ProductID: 9, LocationID: 1}, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestAllowNegativeMode(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{AllowNegative: true})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	items, err := svc.IssueBatch(ctx, IssueBatchInput{
		Type:  MovementSale,
		Lines: []IssueLine{{ItemKey: key, Qty: 3}},
	})
	require.NoError(t, err)
	require.InDelta(t, -3, items[0].Quantity, 1e-9)
}

func TestIssueBatchAllOrNothing(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	a := ItemKey{ProductID: 1, LocationID: 1}
	b := ItemKey{ProductID: 2, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: a, Qty: 10, UnitCost: 1})
	require.NoError(t, err)
	_, err = svc.PostReceipt(ctx, ReceiptInput{ItemKey: b, Qty: 1, UnitCost: 1})
	require.NoError(t, err)

	_, err = svc.IssueBatch(ctx, IssueBatchInput{
		Type: MovementIssue,
		Lines: []IssueLine{
			{ItemKey: a, Qty: 2},
			{ItemKey: b, Qty: 5},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	itemA, err := svc.GetItem(ctx, a)
	require.NoError(t, err)
	require.InDelta(t, 10, itemA.Quantity, 1e-9)
	itemB, err := svc.GetItem(ctx, b)
	require.NoError(t, err)
	require.InDelta(t, 1, itemB.Quantity, 1e-9)
}

func TestConcurrentDeltasSerialize(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 1000, UnitCost: 2})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 5, UnitCost: 2})
				require.NoError(t, err)
			} else {
				_, err := svc.IssueBatch(ctx, IssueBatchInput{
					Type:  MovementSale,
					Lines: []IssueLine{{ItemKey: key, Qty: 3}},
				})
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	// 1000 + 10*5 - 10*3
	item, err := svc.GetItem(ctx, key)
	require.NoError(t, err)
	require.InDelta(t, 1020, item.Quantity, 1e-6)

	movements, err := svc.ListMovements(ctx, MovementFilter{ProductID: key.ProductID})
	require.NoError(t, err)
	require.Len(t, movements, workers+1)
}

func TestPostTransfer(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	src := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: src, Qty: 8, UnitCost: 3})
	require.NoError(t, err)

	from, to, err := svc.PostTransfer(ctx, TransferInput{ProductID: 1, SrcLocation: 1, DstLocation: 2, Qty: 5})
	require.NoError(t, err)
	require.InDelta(t, 3, from.Quantity, 1e-9)
	require.InDelta(t, 5, to.Quantity, 1e-9)
	require.InDelta(t, 3, to.AvgCost, 1e-9)

	out, err := svc.ListMovements(ctx, MovementFilter{Type: MovementTransferOut})
	require.NoError(t, err)
	in, err := svc.ListMovements(ctx, MovementFilter{Type: MovementTransferIn})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	require.Equal(t, out[0].RefID, in[0].RefID)
	require.Equal(t, RefTransfer, out[0].RefType)
}

// staleCostRepo serves reads outside the posting transaction with a cost
// that no longer matches the row, the way a concurrent receipt would.
type staleCostRepo struct {
	*memRepo
}

func (r *staleCostRepo) GetItem(ctx context.Context, key ItemKey) (Item, error) {
	item, err := r.memRepo.GetItem(ctx, key)
	if err != nil {
		return item, err
	}
	item.AvgCost += 100
	return item, nil
}

func TestPostTransferValuesInboundLegFromLockedRow(t *testing.T) {
	repo := &staleCostRepo{memRepo: newMemRepo()}
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: ItemKey{ProductID: 1, LocationID: 1}, Qty: 8, UnitCost: 3})
	require.NoError(t, err)

	_, to, err := svc.PostTransfer(ctx, TransferInput{ProductID: 1, SrcLocation: 1, DstLocation: 2, Qty: 5})
	require.NoError(t, err)
	require.InDelta(t, 3, to.AvgCost, 1e-9)

	in, err := svc.ListMovements(ctx, MovementFilter{Type: MovementTransferIn})
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.InDelta(t, 3, in[0].UnitCost, 1e-9)
}

func TestPostTransferInsufficient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	src := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: src, Qty: 2, UnitCost: 3})
	require.NoError(t, err)

	_, _, err = svc.PostTransfer(ctx, TransferInput{ProductID: 1, SrcLocation: 1, DstLocation: 2, Qty: 5})
	require.ErrorIs(t, err, ErrInsufficientStock)

	item, err := svc.GetItem(ctx, src)
	require.NoError(t, err)
	require.InDelta(t, 2, item.Quantity, 1e-9)
	_, err = svc.GetItem(ctx, ItemKey{ProductID: 1, LocationID: 2})
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestRecordCount(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 2})
	require.NoError(t, err)

	item, err := svc.RecordCount(ctx, CountInput{ItemKey: key, CountedQty: 7})
	require.NoError(t, err)
	require.InDelta(t, 7, item.Quantity, 1e-9)
	require.False(t, item.LastCountAt.IsZero())

	movements, err := svc.ListMovements(ctx, MovementFilter{Type: MovementCount})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.InDelta(t, -3, movements[0].Quantity, 1e-9)
}

func TestRecordCountMatchingBooksAppendsNothing(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 2})
	require.NoError(t, err)

	item, err := svc.RecordCount(ctx, CountInput{ItemKey: key, CountedQty: 10})
	require.NoError(t, err)
	require.False(t, item.LastCountAt.IsZero())

	movements, err := svc.ListMovements(ctx, MovementFilter{Type: MovementCount})
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestRecordCountInitialisesAbsentRow(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 3, LocationID: 1}

	item, err := svc.RecordCount(ctx, CountInput{ItemKey: key, CountedQty: 4})
	require.NoError(t, err)
	require.InDelta(t, 4, item.Quantity, 1e-9)

	movements, err := svc.ListMovements(ctx, MovementFilter{Type: MovementCount})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.InDelta(t, 4, movements[0].Quantity, 1e-9)
}

func TestReserveAndRelease(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 1})
	require.NoError(t, err)

	item, err := svc.Reserve(ctx, key, 6)
	require.NoError(t, err)
	require.InDelta(t, 6, item.ReservedQuantity, 1e-9)
	require.InDelta(t, 4, item.Available(), 1e-9)

	_, err = svc.Reserve(ctx, key, 6)
	require.ErrorIs(t, err, ErrInsufficientStock)

	item, err = svc.Release(ctx, key, 6)
	require.NoError(t, err)
	require.InDelta(t, 0, item.ReservedQuantity, 1e-9)
}

func TestPostAdjustmentValidation(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.PostAdjustment(ctx, AdjustmentInput{ItemKey: ItemKey{ProductID: 1, LocationID: 1}, Qty: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ItemKey: ItemKey{ProductID: 1, LocationID: 1}, Qty: -1, UnitCost: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ItemKey: ItemKey{ProductID: 1, LocationID: 1}, Qty: 1, UnitCost: -1})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.IssueBatch(ctx, IssueBatchInput{Type: MovementReceipt, Lines: []IssueLine{{ItemKey: ItemKey{ProductID: 1, LocationID: 1}, Qty: 1}}})
	require.ErrorIs(t, err, ErrInvalidReference)
}

func TestAvailabilityLevels(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, ServiceConfig{LowStockThreshold: 5})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	avail, err := svc.Availability(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusOutOfStock, avail.Status)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 3, UnitCost: 1})
	require.NoError(t, err)
	avail, err = svc.Availability(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusLowStock, avail.Status)
	require.InDelta(t, 3, avail.Quantity, 1e-9)

	_, err = svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 4, UnitCost: 1})
	require.NoError(t, err)
	avail, err = svc.Availability(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusInStock, avail.Status)
}
