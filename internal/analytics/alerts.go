package analytics

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"

	"posledger/backend/internal/domain"
)

// InventoryAlerts returns the low_stock, out_of_stock and expiring_soon
// buckets in that order, omitting empty ones. A product at zero stock is
// only ever reported as out of stock.
func (e *Engine) InventoryAlerts(ctx context.Context) ([]domain.InventoryAlert, error) {
	products, err := e.repo.ListProducts(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	now := e.now()

	var low, out, expiring []domain.AlertItem
	for _, p := range products {
		item := domain.AlertItem{
			ProductID:  p.ID,
			Name:       p.Name,
			Category:   p.Category,
			Stock:      p.Stock,
			MinStock:   p.MinStock,
			ExpiryDate: p.ExpiryDate,
		}
		switch {
		case p.Stock == 0:
			out = append(out, item)
		case p.IsActive && p.Stock < p.MinStock:
			low = append(low, item)
		}
		if p.ExpiryDate != nil {
			days := daysUntil(now, *p.ExpiryDate)
			if days > 0 && days <= expiryAlertDays {
				item.DaysToExpiry = &days
				expiring = append(expiring, item)
			}
		}
	}

	slices.SortFunc(low, func(a, b domain.AlertItem) int {
		if a.Stock != b.Stock {
			return a.Stock - b.Stock
		}
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(out, func(a, b domain.AlertItem) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(expiring, func(a, b domain.AlertItem) int {
		if *a.DaysToExpiry != *b.DaysToExpiry {
			return *a.DaysToExpiry - *b.DaysToExpiry
		}
		return strings.Compare(a.Name, b.Name)
	})

	alerts := make([]domain.InventoryAlert, 0, 3)
	for _, bucket := range []struct {
		kind     domain.AlertType
		severity string
		title    string
		items    []domain.AlertItem
	}{
		{domain.AlertLowStock, "medium", "Low stock", low},
		{domain.AlertOutOfStock, "high", "Out of stock", out},
		{domain.AlertExpiringSoon, "medium", "Expiring within 7 days", expiring},
	} {
		if len(bucket.items) == 0 {
			continue
		}
		alerts = append(alerts, domain.InventoryAlert{
			Type:     bucket.kind,
			Severity: bucket.severity,
			Title:    bucket.title,
			Count:    len(bucket.items),
			Items:    bucket.items,
		})
	}
	return alerts, nil
}

// daysUntil rounds the remaining time up to whole days.
func daysUntil(now time.Time, expiry time.Time) int {
	remaining := expiry.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + day - 1) / day)
}
