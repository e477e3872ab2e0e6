// Package ledger owns every change to product stock. Stock moves only by
// signed deltas, and each change appends one immutable InventoryMovement.
//
// New stock is max(0, current+delta). The zero clamp is one-way: when a
// removal exceeds the available stock the excess is recorded in the
// movement's Delta but not applied, so replaying deltas without the clamp
// would diverge from the stored stock. Replay applies the same clamp at
// every step and therefore reproduces stored stock exactly.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type Ledger struct {
	repo  store.Repository
	locks *productLocks
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock replaces time.Now for movement and transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(repo store.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:  repo,
		locks: newProductLocks(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type AdjustOptions struct {
	Type   domain.MovementType
	Reason string
}

// AdjustStock applies delta to one product's stock under that product's lock.
func (l *Ledger) AdjustStock(ctx context.Context, productID string, delta int, opts AdjustOptions) (*domain.StockAdjustmentResult, error) {
	if delta == 0 {
		return nil, store.Invalid("quantity must not be zero")
	}
	if delta > domain.MaxQuantity || delta < -domain.MaxQuantity {
		return nil, store.Invalid("quantity must be within ±%d", domain.MaxQuantity)
	}
	movementType, err := resolveType(opts.Type, delta)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(productID)
	defer unlock()

	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if delta > 0 && product.Stock > domain.MaxStockLevel-delta {
		return nil, store.Invalid("stock of %s would exceed %d", product.Name, domain.MaxStockLevel)
	}

	movement := l.newMovement(product.ID, movementType, product.Stock, delta, opts.Reason)
	if err := l.repo.CommitStockChanges(ctx, []domain.InventoryMovement{movement}, nil); err != nil {
		return nil, errors.Wrapf(err, "commit stock change for %s", productID)
	}

	if movement.Clamped() {
		log.WithFields(log.Fields{
			"product_id": productID,
			"previous":   movement.PreviousStock,
			"delta":      delta,
		}).Warn("stock adjustment clamped at zero")
	}

	product.Stock = movement.NewStock
	product.UpdatedAt = movement.CreatedAt
	return &domain.StockAdjustmentResult{Product: *product, Movement: movement}, nil
}

// Movements returns a product's history oldest first. A positive limit keeps
// only the most recent entries.
func (l *Ledger) Movements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	return l.repo.ListMovements(ctx, productID, limit)
}

// Replay rebuilds stock from zero by walking the product's movements and
// checks every recorded before/after value against the walk.
func (l *Ledger) Replay(ctx context.Context, productID string) (domain.LedgerReplay, error) {
	unlock := l.locks.Lock(productID)
	defer unlock()

	report := domain.LedgerReplay{ProductID: productID}

	history, err := l.repo.ListMovements(ctx, productID, 0)
	if err != nil {
		return report, err
	}
	product, err := l.repo.GetProduct(ctx, productID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if len(history) == 0 {
			return report, err
		}
		report.Orphaned = true
	case err != nil:
		return report, err
	default:
		report.CurrentStock = product.Stock
	}

	running := 0
	for _, m := range history {
		if report.Mismatch == "" && m.PreviousStock != running {
			report.Mismatch = fmt.Sprintf("movement %s: previous_stock %d, replayed %d", m.ID, m.PreviousStock, running)
		}
		next := applyDelta(running, m.Delta)
		if running+m.Delta < 0 {
			report.ClampedSteps++
		}
		if report.Mismatch == "" && m.NewStock != next {
			report.Mismatch = fmt.Sprintf("movement %s: new_stock %d, replayed %d", m.ID, m.NewStock, next)
		}
		running = next
	}

	report.Movements = len(history)
	report.ReplayedStock = running
	if report.Mismatch == "" && !report.Orphaned && running != report.CurrentStock {
		report.Mismatch = fmt.Sprintf("stored stock %d, replayed %d", report.CurrentStock, running)
	}
	report.Consistent = report.Mismatch == ""
	return report, nil
}

// VerifyAll replays every product that exists or has history.
func (l *Ledger) VerifyAll(ctx context.Context) ([]domain.LedgerReplay, error) {
	products, err := l.repo.ListProducts(ctx, true)
	if err != nil {
		return nil, err
	}
	withHistory, err := l.repo.ListMovementProductIDs(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(products)+len(withHistory))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	ids = append(ids, withHistory...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	reports := make([]domain.LedgerReplay, 0, len(ids))
	for _, id := range ids {
		report, err := l.Replay(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "replay %s", id)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (l *Ledger) newMovement(productID string, movementType domain.MovementType, current int, delta int, reason string) domain.InventoryMovement {
	if reason == "" {
		reason = defaultReason(delta)
	}
	return domain.InventoryMovement{
		ID:            xid.New("mov"),
		ProductID:     productID,
		Type:          movementType,
		Quantity:      abs(delta),
		Delta:         delta,
		PreviousStock: current,
		NewStock:      applyDelta(current, delta),
		Reason:        reason,
		CreatedAt:     l.now().UTC(),
	}
}

func resolveType(requested domain.MovementType, delta int) (domain.MovementType, error) {
	if requested == "" {
		if delta > 0 {
			return domain.MovementPurchase, nil
		}
		return domain.MovementSale, nil
	}
	if !requested.Valid() {
		return "", store.Invalid("unknown movement type %q", requested)
	}
	switch requested {
	case domain.MovementSale:
		if delta > 0 {
			return "", store.Invalid("sale movements must remove stock")
		}
	case domain.MovementPurchase, domain.MovementReturn:
		if delta < 0 {
			return "", store.Invalid("%s movements must add stock", requested)
		}
	}
	return requested, nil
}

func defaultReason(delta int) string {
	if delta > 0 {
		return "Stock added"
	}
	return "Stock removed"
}

func applyDelta(current int, delta int) int {
	return max(0, current+delta)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
