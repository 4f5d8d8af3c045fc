package stock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, key ItemKey) (Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AllowNegative opts into back-order mode: outbound movements may drive
	// on-hand quantity below zero. Off by default.
	AllowNegative bool
	// LowStockThreshold separates LOW_STOCK from IN_STOCK.
	LowStockThreshold float64
}

// Service coordinates ledger operations. Every quantity change runs as one
// transaction covering the row lock, the recompute and the movement append,
// so concurrent writers cannot lose updates.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	cache     *Cache
	allowNeg  bool
	threshold float64
	sf        singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cache *Cache, cfg ServiceConfig) *Service {
	threshold := cfg.LowStockThreshold
	if threshold <= 0 {
		threshold = 5
	}
	return &Service{repo: repo, audit: audit, cache: cache, allowNeg: cfg.AllowNegative, threshold: threshold}
}

const qtyEpsilon = 1e-4

// GetItem returns the ledger row. Absence surfaces as ErrItemNotFound.
func (s *Service) GetItem(ctx context.Context, key ItemKey) (Item, error) {
	if key.ProductID == 0 || key.LocationID == 0 {
		return Item{}, fmt.Errorf("%w: product and location required", shared.ErrValidation)
	}
	return s.repo.GetItem(ctx, key)
}

// ListItems lists ledger rows.
func (s *Service) ListItems(ctx context.Context, filter ItemFilter) ([]Item, error) {
	return s.repo.ListItems(ctx, filter)
}

// ListMovements lists log entries, newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, filter)
}

// PostReceipt posts inbound goods and recomputes the moving average cost.
func (s *Service) PostReceipt(ctx context.Context, input ReceiptInput) (Item, error) {
	if input.Qty <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	if input.UnitCost < 0 {
		return Item{}, ErrInvalidUnitCost
	}
	items, err := s.postBatch(ctx, []movementParams{{
		key:      input.ItemKey,
		qty:      input.Qty,
		unitCost: input.UnitCost,
		typ:      MovementReceipt,
		refType:  input.RefType,
		refID:    input.RefID,
		note:     input.Note,
		actorID:  input.ActorID,
	}})
	if err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// PostReturn restocks returned goods at their recorded cost.
func (s *Service) PostReturn(ctx context.Context, input ReturnInput) (Item, error) {
	if input.Qty <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	if input.UnitCost < 0 {
		return Item{}, ErrInvalidUnitCost
	}
	items, err := s.postBatch(ctx, []movementParams{{
		key:      input.ItemKey,
		qty:      input.Qty,
		unitCost: input.UnitCost,
		typ:      MovementReturn,
		refType:  input.RefType,
		refID:    input.RefID,
		note:     input.Note,
		actorID:  input.ActorID,
	}})
	if err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// PostAdjustment posts a manual correction which may be positive or negative.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (Item, error) {
	if math.Abs(input.Qty) < qtyEpsilon {
		return Item{}, ErrInvalidQuantity
	}
	if input.Qty > 0 && input.UnitCost < 0 {
		return Item{}, ErrInvalidUnitCost
	}
	items, err := s.postBatch(ctx, []movementParams{{
		key:      input.ItemKey,
		qty:      input.Qty,
		unitCost: input.UnitCost,
		typ:      MovementAdjustment,
		refType:  RefAdjustment,
		note:     input.Note,
		actorID:  input.ActorID,
	}})
	if err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// PostTransfer moves stock between locations with an out/in pair in one
// transaction; either both legs commit or neither does.
func (s *Service) PostTransfer(ctx context.Context, input TransferInput) (Item, Item, error) {
	if input.SrcLocation == 0 || input.DstLocation == 0 || input.ProductID == 0 {
		return Item{}, Item{}, fmt.Errorf("%w: product and locations required", shared.ErrValidation)
	}
	if input.SrcLocation == input.DstLocation {
		return Item{}, Item{}, fmt.Errorf("%w: source and destination location must differ", shared.ErrValidation)
	}
	if input.Qty <= 0 {
		return Item{}, Item{}, ErrInvalidQuantity
	}
	refID := uuid.New().String()
	srcKey := ItemKey{ProductID: input.ProductID, VariantID: input.VariantID, LocationID: input.SrcLocation}
	dstKey := ItemKey{ProductID: input.ProductID, VariantID: input.VariantID, LocationID: input.DstLocation}
	items, err := s.postBatch(ctx, []movementParams{
		{
			key:     srcKey,
			qty:     -input.Qty,
			typ:     MovementTransferOut,
			refType: RefTransfer,
			refID:   refID,
			note:    fmt.Sprintf("transfer to location %d: %s", input.DstLocation, input.Note),
			actorID: input.ActorID,
		},
		{
			key:      dstKey,
			qty:      input.Qty,
			costFrom: &srcKey,
			typ:      MovementTransferIn,
			refType:  RefTransfer,
			refID:    refID,
			note:     fmt.Sprintf("transfer from location %d: %s", input.SrcLocation, input.Note),
			actorID:  input.ActorID,
		},
	})
	if err != nil {
		return Item{}, Item{}, err
	}
	return items[0], items[1], nil
}

// IssueBatch deducts every line or none. The first short line fails the
// whole batch with the offending product named.
func (s *Service) IssueBatch(ctx context.Context, input IssueBatchInput) ([]Item, error) {
	if input.Type != MovementSale && input.Type != MovementIssue {
		return nil, fmt.Errorf("%w: batch type %q", ErrInvalidReference, input.Type)
	}
	if len(input.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	batch := make([]movementParams, 0, len(input.Lines))
	for _, line := range input.Lines {
		if line.Qty <= 0 {
			return nil, ErrInvalidQuantity
		}
		batch = append(batch, movementParams{
			key:     line.ItemKey,
			qty:     -line.Qty,
			typ:     input.Type,
			refType: input.RefType,
			refID:   input.RefID,
			note:    input.Note,
			actorID: input.ActorID,
		})
	}
	return s.postBatch(ctx, batch)
}

// RecordCount books a physical count. The movement carries the difference
// between counted and booked quantity; the row's last count date is set
// either way.
func (s *Service) RecordCount(ctx context.Context, input CountInput) (Item, error) {
	if input.CountedQty < 0 {
		return Item{}, ErrInvalidQuantity
	}
	counted := input.CountedQty
	items, err := s.postBatch(ctx, []movementParams{{
		key:         input.ItemKey,
		absoluteQty: &counted,
		typ:         MovementCount,
		refType:     RefCount,
		note:        input.Note,
		actorID:     input.ActorID,
	}})
	if err != nil {
		return Item{}, err
	}
	return items[0], nil
}

// Reserve earmarks quantity for a pending document without moving it.
func (s *Service) Reserve(ctx context.Context, key ItemKey, qty float64) (Item, error) {
	return s.adjustReservation(ctx, key, qty)
}

// Release frees a reservation made earlier.
func (s *Service) Release(ctx context.Context, key ItemKey, qty float64) (Item, error) {
	return s.adjustReservation(ctx, key, -qty)
}

func (s *Service) adjustReservation(ctx context.Context, key ItemKey, delta float64) (Item, error) {
	if key.ProductID == 0 || key.LocationID == 0 {
		return Item{}, fmt.Errorf("%w: product and location required", shared.ErrValidation)
	}
	if math.Abs(delta) < qtyEpsilon {
		return Item{}, ErrInvalidQuantity
	}
	var result Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, key)
		if err != nil {
			return err
		}
		reserved := item.ReservedQuantity + delta
		if reserved < -qtyEpsilon {
			return fmt.Errorf("%w: cannot release more than reserved", shared.ErrValidation)
		}
		if !s.allowNeg && reserved > item.Quantity+qtyEpsilon {
			return fmt.Errorf("%w: product %d at location %d has %.3f on hand, %.3f already reserved",
				ErrInsufficientStock, key.ProductID, key.LocationID, item.Quantity, item.ReservedQuantity)
		}
		item.ReservedQuantity = math.Max(reserved, 0)
		result = item
		return tx.UpdateItem(ctx, item)
	})
	if err != nil {
		return Item{}, err
	}
	s.bumpCache(ctx)
	return result, nil
}

// Availability reports the cached stock level for storefront checks. A row
// that was never initialised reads as out of stock.
func (s *Service) Availability(ctx context.Context, key ItemKey) (Availability, error) {
	if key.ProductID == 0 || key.LocationID == 0 {
		return Availability{}, fmt.Errorf("%w: product and location required", shared.ErrValidation)
	}
	loader := func(ctx context.Context) (any, error) {
		item, err := s.repo.GetItem(ctx, key)
		if err != nil {
			if errors.Is(err, ErrItemNotFound) {
				return Availability{Status: StatusOutOfStock}, nil
			}
			return nil, err
		}
		return Availability{Status: s.level(item.Available()), Quantity: item.Available()}, nil
	}
	cacheKey, err := s.cache.BuildKey(ctx, "stock", "avail",
		fmt.Sprintf("%d", key.ProductID), fmt.Sprintf("%d", key.VariantID), fmt.Sprintf("%d", key.LocationID))
	if err != nil {
		return Availability{}, err
	}
	ch := s.sf.DoChan(cacheKey, func() (any, error) {
		var avail Availability
		if err := s.cache.FetchJSON(ctx, cacheKey, &avail, loader); err != nil {
			return Availability{}, err
		}
		return avail, nil
	})
	select {
	case <-ctx.Done():
		return Availability{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Availability{}, res.Err
		}
		return res.Val.(Availability), nil
	}
}

func (s *Service) level(qty float64) AvailabilityStatus {
	switch {
	case qty >= s.threshold:
		return StatusInStock
	case qty > 0:
		return StatusLowStock
	default:
		return StatusOutOfStock
	}
}

type movementParams struct {
	key      ItemKey
	qty      float64
	unitCost float64
	typ      MovementType
	refType  ReferenceType
	refID    string
	note     string
	actorID  int64
	// absoluteQty turns the movement into a count: the delta is computed
	// against the locked row inside the transaction.
	absoluteQty *float64
	// costFrom values the movement at another batch row's moving average,
	// read after that row was locked. Transfers use it so the inbound leg
	// carries the source cost as of the same transaction.
	costFrom *ItemKey
}

// postBatch applies every movement in one transaction. All rows are locked
// up front, in key order so two overlapping batches cannot deadlock; cost
// lookups between batch rows then read the locked state.
func (s *Service) postBatch(ctx context.Context, batch []movementParams) ([]Item, error) {
	for _, p := range batch {
		if p.key.ProductID == 0 || p.key.LocationID == 0 {
			return nil, fmt.Errorf("%w: product and location required", shared.ErrValidation)
		}
		if !validMovementType(p.typ) {
			return nil, fmt.Errorf("%w: movement type %q", ErrInvalidReference, p.typ)
		}
		if p.refType != "" && !validReferenceType(p.refType) {
			return nil, fmt.Errorf("%w: reference type %q", ErrInvalidReference, p.refType)
		}
		if p.refID != "" {
			if _, err := uuid.Parse(p.refID); err != nil {
				return nil, fmt.Errorf("%w: ref id: %v", ErrInvalidReference, err)
			}
		}
	}
	order := make([]int, len(batch))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := batch[order[a]].key, batch[order[b]].key
		if ka.ProductID != kb.ProductID {
			return ka.ProductID < kb.ProductID
		}
		if ka.VariantID != kb.VariantID {
			return ka.VariantID < kb.VariantID
		}
		return ka.LocationID < kb.LocationID
	})

	now := time.Now().UTC()
	results := make([]Item, len(batch))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		type lockedRow struct {
			item    Item
			created bool
		}
		rows := make(map[ItemKey]*lockedRow, len(batch))
		for _, i := range order {
			key := batch[i].key
			if _, ok := rows[key]; ok {
				continue
			}
			item, err := tx.GetItemForUpdate(ctx, key)
			created := false
			if errors.Is(err, ErrItemNotFound) {
				item = Item{ItemKey: key}
				created = true
			} else if err != nil {
				return err
			}
			rows[key] = &lockedRow{item: item, created: created}
		}

		write := func(row *lockedRow) error {
			if row.created {
				row.created = false
				return tx.InsertItem(ctx, row.item)
			}
			return tx.UpdateItem(ctx, row.item)
		}

		for i, p := range batch {
			row := rows[p.key]
			if p.absoluteQty != nil {
				p.qty = *p.absoluteQty - row.item.Quantity
				row.item.LastCountAt = now
				if math.Abs(p.qty) < qtyEpsilon {
					// Count confirmed the books; no movement to append.
					results[i] = row.item
					if err := write(row); err != nil {
						return err
					}
					continue
				}
			}
			if p.qty == 0 {
				return ErrInvalidQuantity
			}
			newQty := row.item.Quantity + p.qty
			if p.qty < 0 && !s.allowNeg && newQty < -qtyEpsilon {
				return fmt.Errorf("%w: product %d at location %d has %.3f on hand, requested %.3f",
					ErrInsufficientStock, p.key.ProductID, p.key.LocationID, row.item.Quantity, -p.qty)
			}
			unitCost := p.unitCost
			if p.costFrom != nil {
				src, ok := rows[*p.costFrom]
				if !ok {
					return fmt.Errorf("%w: cost source %d/%d/%d not part of batch",
						ErrInvalidReference, p.costFrom.ProductID, p.costFrom.VariantID, p.costFrom.LocationID)
				}
				unitCost = src.item.AvgCost
			}
			if p.qty > 0 {
				if newQty > qtyEpsilon {
					row.item.AvgCost = (row.item.Quantity*row.item.AvgCost + p.qty*unitCost) / newQty
				} else {
					row.item.AvgCost = unitCost
				}
			} else {
				// Outbound movements are valued at the moving average and
				// leave it untouched.
				unitCost = row.item.AvgCost
			}
			if math.Abs(newQty) < qtyEpsilon {
				newQty = 0
			}
			row.item.Quantity = newQty
			row.item.UpdatedAt = now
			if err := write(row); err != nil {
				return err
			}
			movement := Movement{
				ProductID:  p.key.ProductID,
				VariantID:  p.key.VariantID,
				LocationID: p.key.LocationID,
				Type:       p.typ,
				Quantity:   p.qty,
				UnitCost:   unitCost,
				RefType:    p.refType,
				RefID:      p.refID,
				Note:       p.note,
				ActorID:    p.actorID,
				CreatedAt:  now,
			}
			if _, err := tx.InsertMovement(ctx, movement); err != nil {
				return err
			}
			results[i] = row.item
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bumpCache(ctx)
	if s.audit != nil {
		for _, p := range batch {
			_ = s.audit.Record(ctx, shared.AuditLog{
				ActorID:  p.actorID,
				Action:   fmt.Sprintf("stock:%s", p.typ),
				Entity:   "stock_movement",
				EntityID: fmt.Sprintf("%d:%d:%d", p.key.ProductID, p.key.VariantID, p.key.LocationID),
				Meta: map[string]any{
					"location_id": p.key.LocationID,
					"product_id":  p.key.ProductID,
					"qty":         p.qty,
					"ref_type":    string(p.refType),
					"ref_id":      p.refID,
				},
			})
		}
	}
	return results, nil
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Bump(ctx)
}
