package postgres

import (
	"context"
	"database/sql"
	"embed"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	productColumns = `id, name, COALESCE(barcode, '') AS barcode, price, cost_price, category, stock,
		min_stock, max_stock, unit, is_active, expiry_date, created_at, updated_at`
	movementColumns = `id, product_id, type, quantity, delta, previous_stock, new_stock, reason,
		COALESCE(transaction_id, '') AS transaction_id, created_at`
	transactionColumns = `id, sequence, transaction_number, subtotal, discount, tax, total_amount,
		payment_method, customer_name, customer_phone, status, created_at`
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending embedded migration. It opens its own
// connection because the migration driver closes it when done.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "init migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = driver.Close()
		return errors.Wrap(err, "init migrator")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.WithFields(log.Fields{"source": srcErr, "database": dbErr}).Warn("close migrator")
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("schema up to date")
			return nil
		}
		return errors.Wrap(err, "apply migrations")
	}
	version, _, _ := m.Version()
	log.WithField("version", version).Info("schema migrated")
	return nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active OR $1
		ORDER BY category, name
	`, includeInactive)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("product", id)
		}
		return nil, errors.Wrap(err, "get product")
	}
	return &product, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE barcode = $1`, barcode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("barcode", barcode)
		}
		return nil, errors.Wrap(err, "get product by barcode")
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var products []domain.Product
	err := s.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var created domain.Product
	err := s.db.GetContext(ctx, &created, `
		INSERT INTO products (id, name, barcode, price, cost_price, category, stock, min_stock, max_stock,
			unit, is_active, expiry_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+productColumns,
		product.ID, product.Name, nullIfEmpty(product.Barcode), product.Price, product.CostPrice, product.Category,
		product.Stock, product.MinStock, product.MaxStock, product.Unit, product.IsActive, product.ExpiryDate,
		product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflict("barcode %s already in use", product.Barcode)
		}
		return nil, errors.Wrap(err, "create product")
	}
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var updated domain.Product
	err := s.db.GetContext(ctx, &updated, `
		UPDATE products
		SET name = $2, barcode = $3, price = $4, cost_price = $5, category = $6, min_stock = $7,
			max_stock = $8, unit = $9, is_active = $10, expiry_date = $11, updated_at = $12
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, nullIfEmpty(product.Barcode), product.Price, product.CostPrice, product.Category,
		product.MinStock, product.MaxStock, product.Unit, product.IsActive, product.ExpiryDate, product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("product", product.ID)
		}
		if isUniqueViolation(err) {
			return nil, store.Conflict("barcode %s already in use", product.Barcode)
		}
		return nil, errors.Wrap(err, "update product")
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete product")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.NotFound("product", id)
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	categories := make([]domain.Category, 0, 16)
	err := s.db.SelectContext(ctx, &categories, `
		SELECT id, name, description, is_active, created_at
		FROM categories
		ORDER BY name
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list categories")
	}
	return categories, nil
}

func (s *Store) GetCategoryByName(ctx context.Context, name string) (*domain.Category, error) {
	var category domain.Category
	err := s.db.GetContext(ctx, &category, `
		SELECT id, name, description, is_active, created_at
		FROM categories
		WHERE lower(name) = lower($1)
	`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("category", name)
		}
		return nil, errors.Wrap(err, "get category")
	}
	return &category, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO categories (id, name, description, is_active, created_at)
		VALUES (:id, :name, :description, :is_active, :created_at)
	`, category)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflict("category %s already exists", category.Name)
		}
		return nil, errors.Wrap(err, "create category")
	}
	created := category
	return &created, nil
}

// CommitStockChanges locks the touched product rows, checks every movement's
// previous stock against the stored value and writes stock, movements and
// the optional transaction in one serializable transaction.
func (s *Store) CommitStockChanges(ctx context.Context, movements []domain.InventoryMovement, tx *domain.Transaction) error {
	pgTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := movementProductIDs(movements)
	current := make(map[string]int, len(ids))
	if len(ids) > 0 {
		rows, err := pgTx.QueryxContext(ctx, `
			SELECT id, stock
			FROM products
			WHERE id = ANY($1)
			ORDER BY id
			FOR UPDATE
		`, ids)
		if err != nil {
			return errors.Wrap(err, "lock products")
		}
		for rows.Next() {
			var id string
			var stock int
			if err := rows.Scan(&id, &stock); err != nil {
				_ = rows.Close()
				return err
			}
			current[id] = stock
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
	}

	working := make(map[string]int, len(ids))
	for _, m := range movements {
		stock, seen := working[m.ProductID]
		if !seen {
			stored, exists := current[m.ProductID]
			if !exists {
				return store.NotFound("product", m.ProductID)
			}
			stock = stored
		}
		if stock != m.PreviousStock {
			return store.Conflict("stock of %s changed: expected %d, found %d", m.ProductID, m.PreviousStock, stock)
		}
		if m.NewStock < 0 {
			return store.Invalid("stock of %s would become negative", m.ProductID)
		}
		working[m.ProductID] = m.NewStock
	}

	for _, id := range ids {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE products SET stock = $2, updated_at = now() WHERE id = $1
		`, id, working[id]); err != nil {
			return errors.Wrapf(err, "update stock of %s", id)
		}
	}

	for _, m := range movements {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO inventory_movements (id, product_id, type, quantity, delta, previous_stock, new_stock,
				reason, transaction_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, m.ID, m.ProductID, m.Type, m.Quantity, m.Delta, m.PreviousStock, m.NewStock, m.Reason,
			nullIfEmpty(m.TransactionID), m.CreatedAt); err != nil {
			return errors.Wrap(err, "insert movement")
		}
	}

	if tx != nil {
		if _, err := pgTx.NamedExecContext(ctx, `
			INSERT INTO transactions (id, sequence, transaction_number, subtotal, discount, tax, total_amount,
				payment_method, customer_name, customer_phone, status, created_at)
			VALUES (:id, :sequence, :transaction_number, :subtotal, :discount, :tax, :total_amount,
				:payment_method, :customer_name, :customer_phone, :status, :created_at)
		`, tx); err != nil {
			if isUniqueViolation(err) {
				return store.Conflict("transaction %s already exists", tx.TransactionNumber)
			}
			return errors.Wrap(err, "insert transaction")
		}
		for i, item := range tx.Items {
			if _, err := pgTx.ExecContext(ctx, `
				INSERT INTO transaction_items (transaction_id, line_no, product_id, name, price, quantity, subtotal)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, tx.ID, i+1, item.ProductID, item.Name, item.Price, item.Quantity, item.Subtotal); err != nil {
				return errors.Wrap(err, "insert transaction item")
			}
		}
	}

	if err := pgTx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return store.Conflict("concurrent stock update, retry")
		}
		return errors.Wrap(err, "commit")
	}
	return nil
}

// ListMovements returns the newest limit movements in append order. A
// non-positive limit returns the full history.
func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	history := make([]domain.InventoryMovement, 0, 32)
	err := s.db.SelectContext(ctx, &history, `
		SELECT `+movementColumns+`
		FROM (
			SELECT * FROM inventory_movements
			WHERE product_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) newest
		ORDER BY seq
	`, productID, lim)
	if err != nil {
		return nil, errors.Wrap(err, "list movements")
	}
	return history, nil
}

func (s *Store) ListMovementProductIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT product_id FROM inventory_movements ORDER BY product_id`); err != nil {
		return nil, errors.Wrap(err, "list movement products")
	}
	return ids, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.db.GetContext(ctx, &tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("transaction", id)
		}
		return nil, errors.Wrap(err, "get transaction")
	}
	txs := []domain.Transaction{tx}
	if err := s.attachItems(ctx, txs); err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	txs := make([]domain.Transaction, 0, 64)
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+transactionColumns+`
		FROM transactions
		ORDER BY created_at DESC, sequence DESC
		LIMIT $1
	`, lim)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	if err := s.attachItems(ctx, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Transaction, error) {
	txs := make([]domain.Transaction, 0, 64)
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at, sequence
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions between")
	}
	if err := s.attachItems(ctx, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) LastTransactionSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(sequence), 0) FROM transactions`); err != nil {
		return 0, errors.Wrap(err, "last transaction sequence")
	}
	return seq, nil
}

func (s *Store) GetSettings(ctx context.Context) (*domain.ShopSettings, error) {
	var settings domain.ShopSettings
	err := s.db.GetContext(ctx, &settings, `
		SELECT shop_name, address, phone, email, currency, tax_rate, receipt_footer, updated_at
		FROM shop_settings
		WHERE id = 1
	`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("settings", "shop")
		}
		return nil, errors.Wrap(err, "get settings")
	}
	return &settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.ShopSettings) (*domain.ShopSettings, error) {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO shop_settings (id, shop_name, address, phone, email, currency, tax_rate, receipt_footer, updated_at)
		VALUES (1, :shop_name, :address, :phone, :email, :currency, :tax_rate, :receipt_footer, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			shop_name = EXCLUDED.shop_name,
			address = EXCLUDED.address,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			currency = EXCLUDED.currency,
			tax_rate = EXCLUDED.tax_rate,
			receipt_footer = EXCLUDED.receipt_footer,
			updated_at = EXCLUDED.updated_at
	`, settings)
	if err != nil {
		return nil, errors.Wrap(err, "save settings")
	}
	saved := settings
	return &saved, nil
}

type itemRow struct {
	TransactionID string `db:"transaction_id"`
	domain.TransactionItem
}

func (s *Store) attachItems(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}

	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT transaction_id, product_id, name, price, quantity, subtotal
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, line_no
	`, ids)
	if err != nil {
		return errors.Wrap(err, "load transaction items")
	}

	byTx := make(map[string][]domain.TransactionItem, len(txs))
	for _, row := range rows {
		byTx[row.TransactionID] = append(byTx[row.TransactionID], row.TransactionItem)
	}
	for i := range txs {
		txs[i].Items = byTx[txs[i].ID]
		if txs[i].Items == nil {
			txs[i].Items = []domain.TransactionItem{}
		}
	}
	return nil
}

func movementProductIDs(movements []domain.InventoryMovement) []string {
	seen := make(map[string]struct{}, len(movements))
	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		if _, ok := seen[m.ProductID]; ok {
			continue
		}
		seen[m.ProductID] = struct{}{}
		ids = append(ids, m.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
