package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"posledger/backend/internal/domain"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
)

func Invalid(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func NotFound(kind string, key string) error {
	return errors.Wrapf(ErrNotFound, "%s %q", kind, key)
}

func Conflict(format string, args ...any) error {
	return errors.Wrapf(ErrConflict, format, args...)
}

func InsufficientStock(productName string, available int, requested int) error {
	return errors.Wrapf(ErrInsufficientStock, "%s: available %d, requested %d", productName, available, requested)
}

type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	// UpdateProduct replaces every field except stock.
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)

	// CommitStockChanges applies every movement (and the optional transaction)
	// atomically: all or nothing.
	CommitStockChanges(ctx context.Context, movements []domain.InventoryMovement, tx *domain.Transaction) error
	ListMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error)
	ListMovementProductIDs(ctx context.Context) ([]string, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
	ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error)
	LastTransactionSequence(ctx context.Context) (int64, error)

	GetSettings(ctx context.Context) (*domain.ShopSettings, error)
	SaveSettings(ctx context.Context, settings domain.ShopSettings) (*domain.ShopSettings, error)
}
