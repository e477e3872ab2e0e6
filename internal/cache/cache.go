package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// ReportCache stores computed sales reports by key.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.SalesAnalytics, bool, error)
	Set(ctx context.Context, key string, value *domain.SalesAnalytics, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.SalesAnalytics, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.SalesAnalytics, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
