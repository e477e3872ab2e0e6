// Package analytics derives sales reports and stock alerts from the catalog
// and transaction history. It never writes ledger or catalog state.
package analytics

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const (
	topLimit        = 5
	trendDays       = 7
	expiryAlertDays = 7
	day             = 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

type Engine struct {
	repo  store.Repository
	cache cache.ReportCache
	ttl   time.Duration
	loc   *time.Location
	now   func() time.Time
	group singleflight.Group

	// gen advances on every Invalidate. A report computed under an older
	// generation is returned to its callers but never cached.
	mu  sync.RWMutex
	gen atomic.Uint64
}

type Option func(*Engine)

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCache stores sales reports in c for ttl. A non-positive ttl disables caching.
func WithCache(c cache.ReportCache, ttl time.Duration) Option {
	return func(e *Engine) {
		if c != nil && ttl > 0 {
			e.cache = c
			e.ttl = ttl
		}
	}
}

func NewEngine(repo store.Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:  repo,
		cache: cache.NoopReportCache{},
		loc:   time.Local,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) SalesAnalytics(ctx context.Context, period domain.Period) (*domain.SalesAnalytics, error) {
	if !period.Valid() {
		return nil, store.Invalid("period must be one of daily, weekly, monthly; got %q", period)
	}

	now := e.now().In(e.loc)
	key := reportKey(period, now)

	if cached, ok, err := e.cache.Get(ctx, key); err != nil {
		log.WithError(err).WithField("key", key).Warn("analytics cache read failed")
	} else if ok {
		return cached, nil
	}

	gen := e.gen.Load()
	v, err, _ := e.group.Do(key+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		report, err := e.compute(ctx, period, now)
		if err != nil {
			return nil, err
		}
		e.cacheReport(ctx, key, gen, report)
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.SalesAnalytics), nil
}

func (e *Engine) cacheReport(ctx context.Context, key string, gen uint64, report *domain.SalesAnalytics) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.gen.Load() != gen {
		log.WithField("key", key).Debug("analytics report outdated by a write, not cached")
		return
	}
	if err := e.cache.Set(ctx, key, report, e.ttl); err != nil {
		log.WithError(err).WithField("key", key).Warn("analytics cache write failed")
	}
}

// Invalidate drops cached reports for the current windows. Computations
// already in flight will not cache their results.
func (e *Engine) Invalidate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen.Add(1)

	now := e.now().In(e.loc)
	keys := []string{
		reportKey(domain.PeriodDaily, now),
		reportKey(domain.PeriodWeekly, now),
		reportKey(domain.PeriodMonthly, now),
	}
	return e.cache.Delete(ctx, keys...)
}

func reportKey(period domain.Period, now time.Time) string {
	return "analytics:sales:" + string(period) + ":" + now.Format("2006-01-02")
}

func (e *Engine) windowStart(period domain.Period, now time.Time) time.Time {
	switch period {
	case domain.PeriodWeekly:
		return now.Add(-7 * day)
	case domain.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, e.loc)
	default:
		return startOfDay(now, e.loc)
	}
}

type productAgg struct {
	id       string
	name     string
	quantity int
	revenue  decimal.Decimal
}

func (e *Engine) compute(ctx context.Context, period domain.Period, now time.Time) (*domain.SalesAnalytics, error) {
	todayStart := startOfDay(now, e.loc)
	windowStart := e.windowStart(period, now)
	trendStart := todayStart.AddDate(0, 0, -(trendDays - 1))

	earliest := windowStart
	if trendStart.Before(earliest) {
		earliest = trendStart
	}

	txs, err := e.repo.ListTransactionsBetween(ctx, earliest, now)
	if err != nil {
		return nil, errors.Wrap(err, "load transactions")
	}
	products, err := e.repo.ListProducts(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	catalog := make(map[string]domain.Product, len(products))
	lowStock := 0
	for _, p := range products {
		catalog[p.ID] = p
		if p.IsActive && p.Stock < p.MinStock {
			lowStock++
		}
	}

	report := &domain.SalesAnalytics{
		Period:        period,
		WindowStart:   windowStart,
		WindowEnd:     now,
		TotalRevenue:  decimal.Zero,
		TotalCost:     decimal.Zero,
		DailySales:    decimal.Zero,
		ProfitMargin:  decimal.Zero,
		LowStockItems: lowStock,
		GeneratedAt:   now,
	}

	trend := make(map[string]decimal.Decimal, trendDays)
	categories := make(map[string]decimal.Decimal)
	byProduct := make(map[string]*productAgg)

	for _, tx := range txs {
		if tx.Status == domain.TxStatusCancelled {
			continue
		}
		at := tx.CreatedAt.In(e.loc)

		if !at.Before(trendStart) {
			k := at.Format(time.DateOnly)
			trend[k] = trend[k].Add(tx.TotalAmount)
		}
		if !at.Before(todayStart) {
			report.DailySales = report.DailySales.Add(tx.TotalAmount)
		}
		if at.Before(windowStart) {
			continue
		}

		report.TransactionCount++
		report.TotalRevenue = report.TotalRevenue.Add(tx.TotalAmount)
		for _, item := range tx.Items {
			qty := decimal.NewFromInt(int64(item.Quantity))
			lineRevenue := item.Price.Mul(qty)
			report.ItemsSold += item.Quantity

			category := domain.UncategorizedCategory
			if p, ok := catalog[item.ProductID]; ok {
				report.TotalCost = report.TotalCost.Add(p.UnitCost().Mul(qty))
				if strings.TrimSpace(p.Category) != "" {
					category = p.Category
				}
			}
			categories[category] = categories[category].Add(lineRevenue)

			agg, ok := byProduct[item.ProductID]
			if !ok {
				agg = &productAgg{id: item.ProductID, name: item.Name, revenue: decimal.Zero}
				byProduct[item.ProductID] = agg
			}
			agg.quantity += item.Quantity
			agg.revenue = agg.revenue.Add(lineRevenue)
		}
	}

	if !report.TotalRevenue.IsZero() {
		report.ProfitMargin = report.TotalRevenue.Sub(report.TotalCost).
			Div(report.TotalRevenue).
			Mul(hundred).
			Round(2)
	}

	report.TopCategories = topCategories(categories)
	report.TopProducts = topProducts(byProduct)
	report.SalesTrend = make([]domain.TrendPoint, 0, trendDays)
	for i := 0; i < trendDays; i++ {
		k := trendStart.AddDate(0, 0, i).Format(time.DateOnly)
		amount, ok := trend[k]
		if !ok {
			amount = decimal.Zero
		}
		report.SalesTrend = append(report.SalesTrend, domain.TrendPoint{Date: k, Amount: amount})
	}

	return report, nil
}

func topCategories(revenue map[string]decimal.Decimal) []domain.CategorySales {
	out := make([]domain.CategorySales, 0, len(revenue))
	for name, amount := range revenue {
		out = append(out, domain.CategorySales{Category: name, Revenue: amount})
	}
	slices.SortFunc(out, func(a, b domain.CategorySales) int {
		if c := b.Revenue.Cmp(a.Revenue); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	if len(out) > topLimit {
		out = out[:topLimit]
	}
	return out
}

func topProducts(byProduct map[string]*productAgg) []domain.ProductSales {
	out := make([]domain.ProductSales, 0, len(byProduct))
	for _, agg := range byProduct {
		out = append(out, domain.ProductSales{
			ProductID: agg.id,
			Name:      agg.name,
			Quantity:  agg.quantity,
			Revenue:   agg.revenue,
		})
	}
	slices.SortFunc(out, func(a, b domain.ProductSales) int {
		if a.Quantity != b.Quantity {
			return b.Quantity - a.Quantity
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	if len(out) > topLimit {
		out = out[:topLimit]
	}
	return out
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
