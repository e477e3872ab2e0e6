package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	barcodes     map[string]string
	categories   map[string]domain.Category
	movements    map[string][]domain.InventoryMovement
	transactions map[string]*domain.Transaction
	lastSequence int64
	settings     *domain.ShopSettings
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		barcodes:     make(map[string]string),
		categories:   make(map[string]domain.Category),
		movements:    make(map[string][]domain.InventoryMovement),
		transactions: make(map[string]*domain.Transaction),
	}
}

type seedProduct struct {
	name      string
	barcode   string
	category  string
	price     string
	cost      string
	stock     int
	unit      string
	expiresIn int
}

// NewSeeded returns a store with demo categories and products. Opening stock
// is recorded as purchase movements so every product replays from zero.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, c := range []struct{ name, description string }{
		{"Grocery", "Staples and dry goods"},
		{"Beverages", "Tea, coffee and soft drinks"},
		{"Dairy", "Milk, curd and paneer"},
		{"Snacks", "Biscuits and namkeen"},
		{"Household", "Cleaning and personal care"},
	} {
		category := domain.Category{
			ID:          xid.New("cat"),
			Name:        c.name,
			Description: c.description,
			IsActive:    true,
			CreatedAt:   now,
		}
		s.categories[categoryKey(category.Name)] = category
	}

	for _, p := range []seedProduct{
		{"Basmati Rice 1kg", "8901234500011", "Grocery", "145.00", "118.00", 40, "kg", 0},
		{"Toor Dal 1kg", "8901234500028", "Grocery", "168.00", "139.50", 25, "kg", 0},
		{"Sugar 1kg", "8901234500035", "Grocery", "48.00", "41.00", 60, "kg", 0},
		{"Masala Chai 250g", "8901234500042", "Beverages", "120.00", "88.00", 18, "pcs", 0},
		{"Instant Coffee 100g", "8901234500059", "Beverages", "310.00", "245.00", 3, "pcs", 0},
		{"Toned Milk 1L", "8901234500066", "Dairy", "56.00", "49.00", 30, "l", 4},
		{"Paneer 200g", "8901234500073", "Dairy", "90.00", "72.00", 12, "pcs", 6},
		{"Glucose Biscuits", "8901234500080", "Snacks", "10.00", "7.50", 150, "pcs", 0},
		{"Aloo Bhujia 200g", "8901234500097", "Snacks", "55.00", "40.00", 0, "pcs", 0},
		{"Bath Soap 4-pack", "8901234500103", "Household", "180.00", "132.00", 22, "pack", 0},
	} {
		price := decimal.RequireFromString(p.price)
		cost := decimal.RequireFromString(p.cost)
		product := domain.Product{
			ID:        xid.New("prd"),
			Name:      p.name,
			Barcode:   p.barcode,
			Price:     price,
			CostPrice: &cost,
			Category:  p.category,
			MinStock:  domain.DefaultMinStock,
			MaxStock:  domain.DefaultMaxStock,
			Unit:      p.unit,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if p.expiresIn > 0 {
			expiry := now.AddDate(0, 0, p.expiresIn)
			product.ExpiryDate = &expiry
		}
		if p.stock > 0 {
			product.Stock = p.stock
			s.movements[product.ID] = []domain.InventoryMovement{{
				ID:            xid.New("mov"),
				ProductID:     product.ID,
				Type:          domain.MovementPurchase,
				Quantity:      p.stock,
				Delta:         p.stock,
				PreviousStock: 0,
				NewStock:      p.stock,
				Reason:        "Opening stock",
				CreatedAt:     now,
			}}
		}
		s.products[product.ID] = product
		s.barcodes[product.Barcode] = product.ID
	}

	return s
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.IsActive && !includeInactive {
			continue
		}
		products = append(products, cloneProduct(p))
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.NotFound("product", id)
	}
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.barcodes[barcode]
	if !exists {
		return nil, store.NotFound("barcode", barcode)
	}
	dup := cloneProduct(s.products[id])
	return &dup, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = cloneProduct(p)
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.Conflict("product %s already exists", product.ID)
	}
	if product.Barcode != "" {
		if _, taken := s.barcodes[product.Barcode]; taken {
			return nil, store.Conflict("barcode %s already in use", product.Barcode)
		}
		s.barcodes[product.Barcode] = product.ID
	}

	s.products[product.ID] = cloneProduct(product)
	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.NotFound("product", product.ID)
	}
	if product.Barcode != "" && product.Barcode != existing.Barcode {
		if owner, taken := s.barcodes[product.Barcode]; taken && owner != product.ID {
			return nil, store.Conflict("barcode %s already in use", product.Barcode)
		}
	}
	if existing.Barcode != product.Barcode {
		delete(s.barcodes, existing.Barcode)
		if product.Barcode != "" {
			s.barcodes[product.Barcode] = product.ID
		}
	}

	product.Stock = existing.Stock
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = cloneProduct(product)
	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[id]
	if !exists {
		return store.NotFound("product", id)
	}
	if existing.Barcode != "" {
		delete(s.barcodes, existing.Barcode)
	}
	delete(s.products, id)
	return nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return strings.Compare(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) GetCategoryByName(_ context.Context, name string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category, exists := s.categories[categoryKey(name)]
	if !exists {
		return nil, store.NotFound("category", name)
	}
	return &category, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := categoryKey(category.Name)
	if _, exists := s.categories[key]; exists {
		return nil, store.Conflict("category %s already exists", category.Name)
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	s.categories[key] = category
	return &category, nil
}

func (s *Store) CommitStockChanges(_ context.Context, movements []domain.InventoryMovement, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch against a scratch copy of stock before
	// touching anything.
	working := make(map[string]int, len(movements))
	for _, m := range movements {
		current, seen := working[m.ProductID]
		if !seen {
			product, exists := s.products[m.ProductID]
			if !exists {
				return store.NotFound("product", m.ProductID)
			}
			current = product.Stock
		}
		if current != m.PreviousStock {
			return store.Conflict("stock of %s changed: expected %d, found %d", m.ProductID, m.PreviousStock, current)
		}
		if m.NewStock < 0 {
			return store.Invalid("stock of %s would become negative", m.ProductID)
		}
		working[m.ProductID] = m.NewStock
	}
	if tx != nil {
		if _, exists := s.transactions[tx.ID]; exists {
			return store.Conflict("transaction %s already exists", tx.ID)
		}
	}

	now := time.Now().UTC()
	for id, stock := range working {
		product := s.products[id]
		product.Stock = stock
		product.UpdatedAt = now
		s.products[id] = product
	}
	for _, m := range movements {
		s.movements[m.ProductID] = append(s.movements[m.ProductID], m)
	}
	if tx != nil {
		s.transactions[tx.ID] = cloneTransaction(tx)
		if tx.Sequence > s.lastSequence {
			s.lastSequence = tx.Sequence
		}
	}
	return nil
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.movements[productID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	result := make([]domain.InventoryMovement, len(history))
	copy(result, history)
	return result, nil
}

func (s *Store) ListMovementProductIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.movements))
	for id := range s.movements {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, store.NotFound("transaction", id)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		result = append(result, *cloneTransaction(tx))
	}
	slices.SortFunc(result, newestFirst)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListTransactionsBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 64)
	for _, tx := range s.transactions {
		if tx.CreatedAt.Before(from) || tx.CreatedAt.After(to) {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		return -newestFirst(a, b)
	})
	return result, nil
}

func (s *Store) LastTransactionSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequence, nil
}

func (s *Store) GetSettings(_ context.Context) (*domain.ShopSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, store.NotFound("settings", "shop")
	}
	dup := *s.settings
	return &dup, nil
}

func (s *Store) SaveSettings(_ context.Context, settings domain.ShopSettings) (*domain.ShopSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := settings
	s.settings = &dup
	saved := settings
	return &saved, nil
}

func newestFirst(a, b domain.Transaction) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.Sequence > b.Sequence:
		return -1
	case a.Sequence < b.Sequence:
		return 1
	}
	return 0
}

func categoryKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.CostPrice != nil {
		cost := *src.CostPrice
		dup.CostPrice = &cost
	}
	if src.ExpiryDate != nil {
		expiry := *src.ExpiryDate
		dup.ExpiryDate = &expiry
	}
	return dup
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.TransactionItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
