package ledger

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

func seedProduct(t *testing.T, repo *memory.Store, l *Ledger, name string, price string, stock int) domain.Product {
	t.Helper()
	ctx := context.Background()
	created, err := repo.CreateProduct(ctx, domain.Product{
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Category: "Grocery",
		MinStock: domain.DefaultMinStock,
		MaxStock: domain.DefaultMaxStock,
		IsActive: true,
	})
	require.NoError(t, err)
	if stock > 0 {
		res, err := l.AdjustStock(ctx, created.ID, stock, AdjustOptions{Reason: "Initial stock"})
		require.NoError(t, err)
		return res.Product
	}
	return *created
}

func TestAdjustStockRecordsMovement(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 5)

	res, err := l.AdjustStock(context.Background(), p.ID, -2, AdjustOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Product.Stock)
	assert.Equal(t, domain.MovementSale, res.Movement.Type)
	assert.Equal(t, 2, res.Movement.Quantity)
	assert.Equal(t, -2, res.Movement.Delta)
	assert.Equal(t, 5, res.Movement.PreviousStock)
	assert.Equal(t, 3, res.Movement.NewStock)
	assert.Equal(t, "Stock removed", res.Movement.Reason)

	res, err = l.AdjustStock(context.Background(), p.ID, 4, AdjustOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementPurchase, res.Movement.Type)
	assert.Equal(t, "Stock added", res.Movement.Reason)
	assert.Equal(t, 7, res.Product.Stock)
}

func TestAdjustStockClampTrajectory(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 5)
	ctx := context.Background()

	first, err := l.AdjustStock(ctx, p.ID, -10, AdjustOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Product.Stock)
	assert.Equal(t, 10, first.Movement.Quantity)
	assert.True(t, first.Movement.Clamped())

	second, err := l.AdjustStock(ctx, p.ID, 3, AdjustOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Movement.PreviousStock)
	assert.Equal(t, 3, second.Product.Stock, "clamped trajectory is 5 -> 0 -> 3, not -5 -> -2")

	report, err := l.Replay(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Mismatch)
	assert.Equal(t, 3, report.ReplayedStock)
	assert.Equal(t, 1, report.ClampedSteps)
}

func TestAdjustStockValidation(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 5)
	ctx := context.Background()

	_, err := l.AdjustStock(ctx, p.ID, 0, AdjustOptions{})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = l.AdjustStock(ctx, "prd-missing", 1, AdjustOptions{})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = l.AdjustStock(ctx, p.ID, 2, AdjustOptions{Type: domain.MovementSale})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = l.AdjustStock(ctx, p.ID, -2, AdjustOptions{Type: domain.MovementReturn})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = l.AdjustStock(ctx, p.ID, -2, AdjustOptions{Type: "shrinkage"})
	require.ErrorIs(t, err, store.ErrValidation)

	res, err := l.AdjustStock(ctx, p.ID, -2, AdjustOptions{Type: domain.MovementAdjustment, Reason: "Damaged"})
	require.NoError(t, err)
	assert.Equal(t, domain.MovementAdjustment, res.Movement.Type)
	assert.Equal(t, "Damaged", res.Movement.Reason)

	history, err := l.Movements(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2, "rejected adjustments append nothing")
}

func TestAdjustStockRejectsOutOfRangeDeltas(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 10)
	ctx := context.Background()

	for _, delta := range []int{math.MaxInt - 5, math.MinInt, domain.MaxQuantity + 1, -domain.MaxQuantity - 1} {
		_, err := l.AdjustStock(ctx, p.ID, delta, AdjustOptions{})
		require.ErrorIs(t, err, store.ErrValidation, "delta %d", delta)
	}

	res, err := l.AdjustStock(ctx, p.ID, -domain.MaxQuantity, AdjustOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.MaxQuantity, res.Movement.Quantity)
	assert.Equal(t, 0, res.Product.Stock)

	history, err := l.Movements(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	for _, m := range history {
		assert.GreaterOrEqual(t, m.Quantity, 0)
	}
}

func TestAdjustStockRejectsStockBeyondCeiling(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	ctx := context.Background()
	created, err := repo.CreateProduct(ctx, domain.Product{Name: "Rice", Price: decimal.NewFromInt(40), Category: "Grocery", IsActive: true})
	require.NoError(t, err)
	require.NoError(t, repo.CommitStockChanges(ctx, []domain.InventoryMovement{{
		ProductID: created.ID, Type: domain.MovementPurchase,
		Quantity: domain.MaxStockLevel - 10, Delta: domain.MaxStockLevel - 10, NewStock: domain.MaxStockLevel - 10,
	}}, nil))

	_, err = l.AdjustStock(ctx, created.ID, 11, AdjustOptions{})
	require.ErrorIs(t, err, store.ErrValidation)

	res, err := l.AdjustStock(ctx, created.ID, 10, AdjustOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.MaxStockLevel, res.Product.Stock)
}

func TestConcurrentAdjustmentsDoNotLoseUpdates(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 100)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		delta := 1
		if i%2 == 0 {
			delta = -1
		}
		wg.Add(1)
		go func(delta int) {
			defer wg.Done()
			if _, err := l.AdjustStock(ctx, p.ID, delta, AdjustOptions{}); err != nil {
				errs <- err
			}
		}(delta)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	reloaded, err := repo.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, reloaded.Stock)

	history, err := l.Movements(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, workers+1)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].NewStock, history[i].PreviousStock, "movement %d breaks the chain", i)
	}
	assert.Zero(t, l.locks.size())
}

func TestReplayDetectsTamperedHistory(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 5)
	ctx := context.Background()

	// A write that bypasses the ledger's delta bookkeeping.
	require.NoError(t, repo.CommitStockChanges(ctx, []domain.InventoryMovement{{
		ID: "mov-forged", ProductID: p.ID, Type: domain.MovementAdjustment,
		Quantity: 1, Delta: 1, PreviousStock: 5, NewStock: 9,
	}}, nil))

	report, err := l.Replay(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Contains(t, report.Mismatch, "mov-forged")
}

func TestReplayOrphanedHistory(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	p := seedProduct(t, repo, l, "Tea", "10", 5)
	ctx := context.Background()

	require.NoError(t, repo.DeleteProduct(ctx, p.ID))

	report, err := l.Replay(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, report.Orphaned)
	assert.True(t, report.Consistent)
	assert.Equal(t, 5, report.ReplayedStock)

	_, err = l.Replay(ctx, "prd-never-existed")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyAllCoversSeededStore(t *testing.T) {
	repo := memory.NewSeeded()
	l := New(repo)

	reports, err := l.VerifyAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	for _, r := range reports {
		assert.True(t, r.Consistent, "%s: %s", r.ProductID, r.Mismatch)
	}
}

func TestProductLocksSerializePerKey(t *testing.T) {
	locks := newProductLocks()

	unlockA := locks.Lock("b", "a", "a")
	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock("a")
		close(acquired)
		unlock()
	}()

	unlockC := locks.Lock("c")
	unlockC()

	select {
	case <-acquired:
		t.Fatal("lock on a acquired while held")
	default:
	}
	unlockA()
	<-acquired
}
