package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/validation"
	"posledger/backend/internal/xid"
)

// Processor turns carts into numbered transactions and depletes stock
// through the ledger. Carts that would oversell any product are rejected
// before anything is written.
type Processor struct {
	ledger *Ledger
	seq    atomic.Int64
}

// NewProcessor seeds the transaction counter from the highest stored
// sequence so numbers are never reused across restarts.
func NewProcessor(ctx context.Context, l *Ledger) (*Processor, error) {
	last, err := l.repo.LastTransactionSequence(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load last transaction sequence")
	}
	p := &Processor{ledger: l}
	p.seq.Store(last)
	return p, nil
}

func TransactionNumber(seq int64) string {
	return fmt.Sprintf("TXN%04d", seq)
}

func (p *Processor) CreateTransaction(ctx context.Context, req domain.TransactionCreateRequest) (*domain.Transaction, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !req.PaymentMethod.Valid() {
		return nil, store.Invalid("unknown payment method %q", req.PaymentMethod)
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ProductID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	unlock := p.ledger.locks.Lock(ids...)
	defer unlock()

	products, err := p.ledger.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.TransactionItem, 0, len(req.Items))
	needed := make(map[string]int, len(ids))
	subtotal := decimal.Zero
	for _, item := range req.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, store.NotFound("product", item.ProductID)
		}
		if !product.IsActive {
			return nil, store.Invalid("product %s is inactive", product.Name)
		}
		if item.Quantity <= 0 || item.Quantity > domain.MaxQuantity {
			return nil, store.Invalid("quantity for %s must be between 1 and %d", product.Name, domain.MaxQuantity)
		}

		price := product.Price
		if item.Price != nil {
			price = *item.Price
		}
		lineTotal := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		lines = append(lines, domain.TransactionItem{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     price,
			Quantity:  item.Quantity,
			Subtotal:  lineTotal,
		})
		// Each addend is bounded, so the sum cannot pass stock+MaxQuantity
		// before the check below stops it.
		needed[product.ID] += item.Quantity
		if needed[product.ID] > product.Stock {
			return nil, store.InsufficientStock(product.Name, product.Stock, remaining(req.Items, product.ID))
		}
		subtotal = subtotal.Add(lineTotal)
	}
	if subtotal.GreaterThan(domain.MaxAmount) {
		return nil, store.Invalid("subtotal %s exceeds %s", subtotal.StringFixed(2), domain.MaxAmount.StringFixed(2))
	}

	total := subtotal.Sub(req.Discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	seq := p.seq.Add(1)
	now := p.ledger.now().UTC()
	tx := &domain.Transaction{
		ID:                xid.New("txn"),
		Sequence:          seq,
		TransactionNumber: TransactionNumber(seq),
		Items:             lines,
		Subtotal:          subtotal,
		Discount:          req.Discount,
		Tax:               req.Tax,
		TotalAmount:       total,
		PaymentMethod:     req.PaymentMethod,
		CustomerName:      req.CustomerName,
		CustomerPhone:     req.CustomerPhone,
		Status:            domain.TxStatusCompleted,
		CreatedAt:         now,
	}

	running := make(map[string]int, len(ids))
	for _, id := range ids {
		running[id] = products[id].Stock
	}
	movements := make([]domain.InventoryMovement, 0, len(lines))
	for _, line := range lines {
		m := p.ledger.newMovement(line.ProductID, domain.MovementSale, running[line.ProductID], -line.Quantity, "Sale "+tx.TransactionNumber)
		m.TransactionID = tx.ID
		m.CreatedAt = now
		running[line.ProductID] = m.NewStock
		movements = append(movements, m)
	}

	if err := p.ledger.repo.CommitStockChanges(ctx, movements, tx); err != nil {
		return nil, errors.Wrapf(err, "commit transaction %s", tx.TransactionNumber)
	}

	log.WithFields(log.Fields{
		"transaction": tx.TransactionNumber,
		"items":       len(lines),
		"total":       total.StringFixed(2),
	}).Info("transaction committed")
	return tx, nil
}

// remaining sums the requested quantity of one product across the cart,
// saturating at MaxStockLevel.
func remaining(items []domain.TransactionItemRequest, productID string) int {
	total := 0
	for _, item := range items {
		if item.ProductID != productID {
			continue
		}
		q := max(item.Quantity, 0)
		if q >= domain.MaxStockLevel-total {
			return domain.MaxStockLevel
		}
		total += q
	}
	return total
}

func (p *Processor) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return p.ledger.repo.GetTransaction(ctx, id)
}

// ListTransactions returns transactions newest first.
func (p *Processor) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	return p.ledger.repo.ListTransactions(ctx, limit)
}

// TransactionsBetween filters by created_at with both bounds inclusive.
func (p *Processor) TransactionsBetween(ctx context.Context, start time.Time, end time.Time) ([]domain.Transaction, error) {
	if start.After(end) {
		return nil, store.Invalid("start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return p.ledger.repo.ListTransactionsBetween(ctx, start, end)
}
