package analytics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

var fixedNow = time.Date(2026, 3, 18, 15, 30, 0, 0, time.UTC)

func newTestEngine(repo store.Repository, opts ...Option) *Engine {
	base := []Option{
		WithLocation(time.UTC),
		WithClock(func() time.Time { return fixedNow }),
	}
	return NewEngine(repo, append(base, opts...)...)
}

func addProduct(t *testing.T, repo *memory.Store, name, category, price, cost string, stock int) domain.Product {
	t.Helper()
	ctx := context.Background()
	p := domain.Product{
		Name:     name,
		Category: category,
		Price:    decimal.RequireFromString(price),
		MinStock: domain.DefaultMinStock,
		MaxStock: domain.DefaultMaxStock,
		IsActive: true,
	}
	if cost != "" {
		c := decimal.RequireFromString(cost)
		p.CostPrice = &c
	}
	created, err := repo.CreateProduct(ctx, p)
	require.NoError(t, err)
	if stock > 0 {
		require.NoError(t, repo.CommitStockChanges(ctx, []domain.InventoryMovement{{
			ProductID: created.ID, Type: domain.MovementPurchase, Quantity: stock, Delta: stock, NewStock: stock,
		}}, nil))
		created.Stock = stock
	}
	return *created
}

var txSeq int64

func addSale(t *testing.T, repo *memory.Store, at time.Time, total string, lines ...domain.TransactionItem) {
	t.Helper()
	seq := atomic.AddInt64(&txSeq, 1)
	tx := &domain.Transaction{
		ID:          fmt.Sprintf("txn-%d", seq),
		Sequence:    seq,
		Items:       lines,
		TotalAmount: decimal.RequireFromString(total),
		Status:      domain.TxStatusCompleted,
		CreatedAt:   at,
	}
	require.NoError(t, repo.CommitStockChanges(context.Background(), nil, tx))
}

func line(p domain.Product, qty int) domain.TransactionItem {
	q := decimal.NewFromInt(int64(qty))
	return domain.TransactionItem{
		ProductID: p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Quantity:  qty,
		Subtotal:  p.Price.Mul(q),
	}
}

func TestSalesAnalyticsEmpty(t *testing.T) {
	engine := newTestEngine(memory.New())

	report, err := engine.SalesAnalytics(context.Background(), domain.PeriodDaily)
	require.NoError(t, err)

	assert.True(t, report.DailySales.IsZero())
	assert.True(t, report.TotalRevenue.IsZero())
	assert.True(t, report.ProfitMargin.IsZero())
	assert.Zero(t, report.ItemsSold)
	assert.Zero(t, report.LowStockItems)
	assert.Empty(t, report.TopCategories)
	assert.Empty(t, report.TopProducts)
	require.Len(t, report.SalesTrend, 7)
	assert.Equal(t, "2026-03-12", report.SalesTrend[0].Date)
	assert.Equal(t, "2026-03-18", report.SalesTrend[6].Date)
	for _, point := range report.SalesTrend {
		assert.True(t, point.Amount.IsZero())
	}
}

func TestSalesAnalyticsRejectsUnknownPeriod(t *testing.T) {
	engine := newTestEngine(memory.New())
	_, err := engine.SalesAnalytics(context.Background(), "yearly")
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestSalesAnalyticsWindowsAndAggregates(t *testing.T) {
	repo := memory.New()
	tea := addProduct(t, repo, "Tea", "Beverages", "10", "6", 20)
	rice := addProduct(t, repo, "Rice", "Grocery", "50", "", 3)
	engine := newTestEngine(repo)

	today := time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)
	addSale(t, repo, today, "70", line(tea, 2), line(rice, 1))
	addSale(t, repo, today.Add(-48*time.Hour), "30", line(tea, 3))
	addSale(t, repo, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), "100", line(rice, 2))
	addSale(t, repo, time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC), "500", line(rice, 10))

	daily, err := engine.SalesAnalytics(context.Background(), domain.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, "70", daily.DailySales.String())
	assert.Equal(t, "70", daily.TotalRevenue.String())
	assert.Equal(t, 3, daily.ItemsSold)
	assert.Equal(t, 1, daily.TransactionCount)
	// cost 2*6 + 1*0 = 12, margin (70-12)/70*100
	assert.Equal(t, "82.86", daily.ProfitMargin.StringFixed(2))
	assert.Equal(t, 1, daily.LowStockItems)

	weekly, err := engine.SalesAnalytics(context.Background(), domain.PeriodWeekly)
	require.NoError(t, err)
	assert.Equal(t, "70", weekly.DailySales.String(), "daily sales ignore the window")
	assert.Equal(t, "100", weekly.TotalRevenue.String())
	assert.Equal(t, 6, weekly.ItemsSold)
	require.Len(t, weekly.TopProducts, 2)
	assert.Equal(t, "Tea", weekly.TopProducts[0].Name)
	assert.Equal(t, 5, weekly.TopProducts[0].Quantity)

	monthly, err := engine.SalesAnalytics(context.Background(), domain.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, "200", monthly.TotalRevenue.String())
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), monthly.WindowStart)
	require.Len(t, monthly.TopCategories, 2)
	assert.Equal(t, "Grocery", monthly.TopCategories[0].Category)
	assert.Equal(t, "150", monthly.TopCategories[0].Revenue.String())
	assert.Equal(t, "Beverages", monthly.TopCategories[1].Category)

	trend := monthly.SalesTrend
	require.Len(t, trend, 7)
	assert.Equal(t, "30", trend[4].Amount.String())
	assert.Equal(t, "70", trend[6].Amount.String())
	assert.True(t, trend[0].Amount.IsZero(), "sales before the trend window are excluded")
}

func TestSalesAnalyticsSkipsCancelledAndTracksOrphans(t *testing.T) {
	repo := memory.New()
	tea := addProduct(t, repo, "Tea", "Beverages", "10", "5", 20)
	gone := addProduct(t, repo, "Discontinued", "Snacks", "4", "1", 0)
	engine := newTestEngine(repo)
	at := time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC)

	addSale(t, repo, at, "8", line(gone, 2))
	require.NoError(t, repo.DeleteProduct(context.Background(), gone.ID))

	cancelled := &domain.Transaction{
		ID: "txn-cancelled", Sequence: 9999, Items: []domain.TransactionItem{line(tea, 5)},
		TotalAmount: decimal.NewFromInt(50), Status: domain.TxStatusCancelled, CreatedAt: at,
	}
	require.NoError(t, repo.CommitStockChanges(context.Background(), nil, cancelled))

	report, err := engine.SalesAnalytics(context.Background(), domain.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, "8", report.TotalRevenue.String())
	require.Len(t, report.TopCategories, 1)
	assert.Equal(t, domain.UncategorizedCategory, report.TopCategories[0].Category)
	assert.Equal(t, "100.00", report.ProfitMargin.StringFixed(2), "deleted products contribute no cost")
}

func TestTopListsCapAtFiveWithNameTieBreak(t *testing.T) {
	repo := memory.New()
	engine := newTestEngine(repo)
	at := time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC)

	names := []string{"Gamma", "Alpha", "Zeta", "Beta", "Eta", "Delta", "Epsilon"}
	for _, name := range names {
		p := addProduct(t, repo, name, name+" Cat", "1", "", 10)
		addSale(t, repo, at, "1", line(p, 1))
	}

	report, err := engine.SalesAnalytics(context.Background(), domain.PeriodDaily)
	require.NoError(t, err)
	require.Len(t, report.TopProducts, 5)
	require.Len(t, report.TopCategories, 5)
	got := make([]string, 0, 5)
	for _, p := range report.TopProducts {
		got = append(got, p.Name)
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Delta", "Epsilon", "Eta"}, got)
}

type countingCache struct {
	mu      sync.Mutex
	entries map[string]*domain.SalesAnalytics
	sets    int
	deletes int
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.SalesAnalytics, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.SalesAnalytics, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.sets++
	return nil
}

func (c *countingCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.deletes++
	return nil
}

func TestSalesAnalyticsCachesUntilInvalidated(t *testing.T) {
	repo := memory.New()
	tea := addProduct(t, repo, "Tea", "Beverages", "10", "5", 20)
	c := &countingCache{entries: map[string]*domain.SalesAnalytics{}}
	engine := newTestEngine(repo, WithCache(c, time.Minute))
	ctx := context.Background()
	at := time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC)

	first, err := engine.SalesAnalytics(ctx, domain.PeriodDaily)
	require.NoError(t, err)
	assert.True(t, first.TotalRevenue.IsZero())

	addSale(t, repo, at, "10", line(tea, 1))

	cached, err := engine.SalesAnalytics(ctx, domain.PeriodDaily)
	require.NoError(t, err)
	assert.True(t, cached.TotalRevenue.IsZero(), "served from cache")
	assert.Equal(t, 1, c.sets)

	require.NoError(t, engine.Invalidate(ctx))
	fresh, err := engine.SalesAnalytics(ctx, domain.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, "10", fresh.TotalRevenue.String())
	assert.Equal(t, 2, c.sets)
}

// gatedRepo holds the first transaction read until release is closed.
type gatedRepo struct {
	store.Repository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRepo) ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.Repository.ListTransactionsBetween(ctx, from, to)
}

func TestReportComputedBeforeInvalidateIsNotCached(t *testing.T) {
	mem := memory.New()
	tea := addProduct(t, mem, "Tea", "Beverages", "10", "5", 20)
	repo := &gatedRepo{Repository: mem, entered: make(chan struct{}), release: make(chan struct{})}
	c := &countingCache{entries: map[string]*domain.SalesAnalytics{}}
	engine := newTestEngine(repo, WithCache(c, time.Minute))
	ctx := context.Background()

	done := make(chan *domain.SalesAnalytics, 1)
	go func() {
		report, err := engine.SalesAnalytics(ctx, domain.PeriodDaily)
		assert.NoError(t, err)
		done <- report
	}()

	<-repo.entered
	addSale(t, mem, time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC), "10", line(tea, 1))
	require.NoError(t, engine.Invalidate(ctx))
	close(repo.release)

	stale := <-done
	require.NotNil(t, stale)
	assert.Equal(t, 0, c.sets, "outdated report must not be cached")

	fresh, err := engine.SalesAnalytics(ctx, domain.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, "10", fresh.TotalRevenue.String())
	assert.Equal(t, 1, c.sets)
}

func TestInventoryAlertBuckets(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	addProduct(t, repo, "Empty", "Grocery", "1", "", 0)
	addProduct(t, repo, "Short", "Grocery", "1", "", 3)
	addProduct(t, repo, "Plenty", "Grocery", "1", "", 50)

	expiring := addProduct(t, repo, "Milk", "Dairy", "1", "", 40)
	soon := fixedNow.Add(36 * time.Hour)
	expiring.ExpiryDate = &soon
	_, err := repo.UpdateProduct(ctx, expiring)
	require.NoError(t, err)

	far := addProduct(t, repo, "Cheese", "Dairy", "1", "", 40)
	later := fixedNow.AddDate(0, 0, 30)
	far.ExpiryDate = &later
	_, err = repo.UpdateProduct(ctx, far)
	require.NoError(t, err)

	expired := addProduct(t, repo, "Curd", "Dairy", "1", "", 40)
	past := fixedNow.Add(-time.Hour)
	expired.ExpiryDate = &past
	_, err = repo.UpdateProduct(ctx, expired)
	require.NoError(t, err)

	alerts, err := newTestEngine(repo).InventoryAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	assert.Equal(t, domain.AlertLowStock, alerts[0].Type)
	require.Len(t, alerts[0].Items, 1)
	assert.Equal(t, "Short", alerts[0].Items[0].Name)

	assert.Equal(t, domain.AlertOutOfStock, alerts[1].Type)
	require.Len(t, alerts[1].Items, 1)
	assert.Equal(t, "Empty", alerts[1].Items[0].Name)
	assert.Equal(t, "high", alerts[1].Severity)

	assert.Equal(t, domain.AlertExpiringSoon, alerts[2].Type)
	require.Len(t, alerts[2].Items, 1)
	assert.Equal(t, "Milk", alerts[2].Items[0].Name)
	require.NotNil(t, alerts[2].Items[0].DaysToExpiry)
	assert.Equal(t, 2, *alerts[2].Items[0].DaysToExpiry)
}

func TestInventoryAlertsOmitEmptyBuckets(t *testing.T) {
	repo := memory.New()
	addProduct(t, repo, "Plenty", "Grocery", "1", "", 50)

	alerts, err := newTestEngine(repo).InventoryAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDaysUntilRoundsUp(t *testing.T) {
	assert.Equal(t, 1, daysUntil(fixedNow, fixedNow.Add(time.Minute)))
	assert.Equal(t, 1, daysUntil(fixedNow, fixedNow.Add(24*time.Hour)))
	assert.Equal(t, 2, daysUntil(fixedNow, fixedNow.Add(24*time.Hour+time.Second)))
	assert.Equal(t, 0, daysUntil(fixedNow, fixedNow))
	assert.Equal(t, 0, daysUntil(fixedNow, fixedNow.Add(-time.Hour)))
}
