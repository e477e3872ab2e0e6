package service

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"posledger/backend/internal/analytics"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/insights"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/store"
	"posledger/backend/internal/validation"
	"posledger/backend/internal/xid"
)

const recentTransactionsForChat = 10

type Service struct {
	repo            store.Repository
	ledger          *ledger.Ledger
	processor       *ledger.Processor
	analytics       *analytics.Engine
	assistant       *insights.Assistant
	defaultMinStock int
}

func New(repo store.Repository, l *ledger.Ledger, processor *ledger.Processor, engine *analytics.Engine, assistant *insights.Assistant, defaultMinStock int) *Service {
	if defaultMinStock < 0 {
		defaultMinStock = domain.DefaultMinStock
	}
	if assistant == nil {
		assistant = insights.NewAssistant(nil)
	}
	return &Service{
		repo:            repo,
		ledger:          l,
		processor:       processor,
		analytics:       engine,
		assistant:       assistant,
		defaultMinStock: defaultMinStock,
	}
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, strings.TrimSpace(id))
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, store.Invalid("barcode is required")
	}
	return s.repo.GetProductByBarcode(ctx, barcode)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.Category = strings.TrimSpace(req.Category)
	req.Unit = strings.TrimSpace(req.Unit)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	category, err := s.resolveCategory(ctx, req.Category)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:         xid.New("prd"),
		Name:       req.Name,
		Barcode:    req.Barcode,
		Price:      req.Price,
		CostPrice:  req.CostPrice,
		Category:   category,
		MinStock:   s.defaultMinStock,
		MaxStock:   domain.DefaultMaxStock,
		Unit:       req.Unit,
		IsActive:   true,
		ExpiryDate: req.ExpiryDate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.MinStock != nil {
		product.MinStock = *req.MinStock
	}
	if req.MaxStock != nil {
		product.MaxStock = *req.MaxStock
	}
	if product.Unit == "" {
		product.Unit = domain.DefaultUnit
	}
	if req.IsActive != nil {
		product.IsActive = *req.IsActive
	}
	if err := checkThresholds(product); err != nil {
		return nil, err
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}

	if req.InitialStock > 0 {
		res, err := s.ledger.AdjustStock(ctx, created.ID, req.InitialStock, ledger.AdjustOptions{
			Type:   domain.MovementPurchase,
			Reason: "Initial stock",
		})
		if err != nil {
			return nil, errors.Wrapf(err, "book initial stock for %s", created.ID)
		}
		created = &res.Product
	}

	log.WithFields(log.Fields{
		"product_id": created.ID,
		"name":       created.Name,
		"stock":      created.Stock,
	}).Info("product created")
	s.invalidateReports(ctx)
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, store.Invalid("name must not be empty")
		}
		updated.Name = name
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.CostPrice != nil {
		cost := *req.CostPrice
		updated.CostPrice = &cost
	}
	if req.Category != nil {
		category, err := s.resolveCategory(ctx, strings.TrimSpace(*req.Category))
		if err != nil {
			return nil, err
		}
		updated.Category = category
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
	}
	if req.MaxStock != nil {
		updated.MaxStock = *req.MaxStock
	}
	if req.Unit != nil {
		updated.Unit = strings.TrimSpace(*req.Unit)
		if updated.Unit == "" {
			updated.Unit = domain.DefaultUnit
		}
	}
	if req.IsActive != nil {
		updated.IsActive = *req.IsActive
	}
	if req.ExpiryDate != nil {
		expiry := *req.ExpiryDate
		updated.ExpiryDate = &expiry
	}
	if err := checkThresholds(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return nil, err
	}
	s.invalidateReports(ctx)
	return saved, nil
}

// DeleteProduct removes the catalog entry. Its movements and any
// transactions that reference it are kept.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := s.repo.DeleteProduct(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	log.WithField("product_id", id).Info("product deleted")
	s.invalidateReports(ctx)
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (*domain.Category, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	category := domain.Category{
		ID:          xid.New("cat"),
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if req.IsActive != nil {
		category.IsActive = *req.IsActive
	}
	return s.repo.CreateCategory(ctx, category)
}

func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.StockAdjustmentRequest) (*domain.StockAdjustmentResult, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	res, err := s.ledger.AdjustStock(ctx, strings.TrimSpace(productID), req.Quantity, ledger.AdjustOptions{
		Type:   req.Type,
		Reason: req.Reason,
	})
	if err != nil {
		return nil, err
	}
	s.invalidateReports(ctx)
	return res, nil
}

func (s *Service) ProductMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	productID = strings.TrimSpace(productID)
	history, err := s.ledger.Movements(ctx, productID, limit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		if _, err := s.repo.GetProduct(ctx, productID); err != nil {
			return nil, err
		}
	}
	return history, nil
}

func (s *Service) ReplayProduct(ctx context.Context, productID string) (domain.LedgerReplay, error) {
	return s.ledger.Replay(ctx, strings.TrimSpace(productID))
}

func (s *Service) VerifyLedger(ctx context.Context) ([]domain.LedgerReplay, error) {
	return s.ledger.VerifyAll(ctx)
}

func (s *Service) CreateTransaction(ctx context.Context, req domain.TransactionCreateRequest) (*domain.Transaction, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.PaymentMethod = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(req.PaymentMethod))))
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
	}

	tx, err := s.processor.CreateTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	s.invalidateReports(ctx)
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.processor.GetTransaction(ctx, strings.TrimSpace(id))
}

func (s *Service) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	return s.processor.ListTransactions(ctx, limit)
}

func (s *Service) TransactionsBetween(ctx context.Context, start time.Time, end time.Time) ([]domain.Transaction, error) {
	return s.processor.TransactionsBetween(ctx, start, end)
}

func (s *Service) SalesAnalytics(ctx context.Context, period domain.Period) (*domain.SalesAnalytics, error) {
	if period == "" {
		period = domain.PeriodDaily
	}
	return s.analytics.SalesAnalytics(ctx, period)
}

func (s *Service) InventoryAlerts(ctx context.Context) ([]domain.InventoryAlert, error) {
	return s.analytics.InventoryAlerts(ctx)
}

func DefaultSettings() domain.ShopSettings {
	return domain.ShopSettings{
		ShopName: "My Shop",
		Currency: domain.DefaultCurrency,
		TaxRate:  decimal.Zero,
	}
}

func (s *Service) GetSettings(ctx context.Context) (*domain.ShopSettings, error) {
	settings, err := s.repo.GetSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		defaults := DefaultSettings()
		return &defaults, nil
	}
	return settings, err
}

func (s *Service) UpdateSettings(ctx context.Context, req domain.SettingsUpdateRequest) (*domain.ShopSettings, error) {
	req.ShopName = strings.TrimSpace(req.ShopName)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Email = strings.TrimSpace(req.Email)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		req.Currency = domain.DefaultCurrency
	}

	return s.repo.SaveSettings(ctx, domain.ShopSettings{
		ShopName:      req.ShopName,
		Address:       strings.TrimSpace(req.Address),
		Phone:         strings.TrimSpace(req.Phone),
		Email:         req.Email,
		Currency:      req.Currency,
		TaxRate:       req.TaxRate,
		ReceiptFooter: strings.TrimSpace(req.ReceiptFooter),
		UpdatedAt:     time.Now().UTC(),
	})
}

// Chat forwards the query with a snapshot of the shop. Snapshot pieces that
// fail to load are left out rather than failing the reply.
func (s *Service) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	snapshot := domain.InsightsContext{
		Alerts:             []domain.InventoryAlert{},
		RecentTransactions: []domain.Transaction{},
	}
	if report, err := s.analytics.SalesAnalytics(ctx, domain.PeriodDaily); err != nil {
		log.WithError(err).Warn("chat: sales analytics unavailable")
	} else {
		snapshot.Analytics = report
	}
	if alerts, err := s.analytics.InventoryAlerts(ctx); err != nil {
		log.WithError(err).Warn("chat: inventory alerts unavailable")
	} else {
		snapshot.Alerts = alerts
	}
	if products, err := s.repo.ListProducts(ctx, false); err != nil {
		log.WithError(err).Warn("chat: product list unavailable")
	} else {
		snapshot.ProductCount = len(products)
	}
	if recent, err := s.processor.ListTransactions(ctx, recentTransactionsForChat); err != nil {
		log.WithError(err).Warn("chat: recent transactions unavailable")
	} else {
		snapshot.RecentTransactions = recent
	}

	return s.assistant.Reply(ctx, req.Query, snapshot)
}

func (s *Service) resolveCategory(ctx context.Context, name string) (string, error) {
	category, err := s.repo.GetCategoryByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", store.Invalid("unknown category %q", name)
	}
	if err != nil {
		return "", err
	}
	return category.Name, nil
}

func checkThresholds(p domain.Product) error {
	if p.Price.IsNegative() {
		return store.Invalid("price must be >= 0")
	}
	if p.CostPrice != nil && p.CostPrice.IsNegative() {
		return store.Invalid("cost_price must be >= 0")
	}
	if p.MinStock < 0 || p.MaxStock < 0 {
		return store.Invalid("stock thresholds must be >= 0")
	}
	if p.MaxStock > 0 && p.MaxStock < p.MinStock {
		return store.Invalid("max_stock %d is below min_stock %d", p.MaxStock, p.MinStock)
	}
	return nil
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.analytics.Invalidate(ctx); err != nil {
		log.WithError(err).Warn("failed to invalidate analytics cache")
	}
}
