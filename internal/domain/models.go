package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type MovementType string

const (
	MovementSale       MovementType = "sale"
	MovementPurchase   MovementType = "purchase"
	MovementAdjustment MovementType = "adjustment"
	MovementReturn     MovementType = "return"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementSale, MovementPurchase, MovementAdjustment, MovementReturn:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentUPI  PaymentMethod = "upi"
	PaymentCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentUPI, PaymentCard:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCancelled TransactionStatus = "cancelled"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

const (
	DefaultMinStock = 5
	DefaultMaxStock = 100
	DefaultUnit     = "pcs"
	DefaultCurrency = "INR"

	UncategorizedCategory = "Uncategorized"
)

// Bounds that keep stock and money inside the SQL column types.
const (
	// MaxQuantity caps a single line item or stock adjustment.
	MaxQuantity = 1_000_000
	// MaxStockLevel is the largest stock a product may hold.
	MaxStockLevel = math.MaxInt32
)

// MaxAmount is the largest transaction subtotal that can be stored.
var MaxAmount = decimal.RequireFromString("999999999999.99")

type Product struct {
	ID         string           `json:"id" db:"id"`
	Name       string           `json:"name" db:"name"`
	Barcode    string           `json:"barcode,omitempty" db:"barcode"`
	Price      decimal.Decimal  `json:"price" db:"price"`
	CostPrice  *decimal.Decimal `json:"cost_price,omitempty" db:"cost_price"`
	Category   string           `json:"category" db:"category"`
	Stock      int              `json:"stock" db:"stock"`
	MinStock   int              `json:"min_stock" db:"min_stock"`
	MaxStock   int              `json:"max_stock" db:"max_stock"`
	Unit       string           `json:"unit" db:"unit"`
	IsActive   bool             `json:"is_active" db:"is_active"`
	ExpiryDate *time.Time       `json:"expiry_date,omitempty" db:"expiry_date"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// UnitCost is the cost price, or zero when none is recorded.
func (p Product) UnitCost() decimal.Decimal {
	if p.CostPrice == nil {
		return decimal.Zero
	}
	return *p.CostPrice
}

type ProductCreateRequest struct {
	Name         string           `json:"name" validate:"required,max=200"`
	Barcode      string           `json:"barcode" validate:"omitempty,max=64"`
	Price        decimal.Decimal  `json:"price" validate:"gte=0,lte=9999999999,cents"`
	CostPrice    *decimal.Decimal `json:"cost_price,omitempty" validate:"omitempty,gte=0,lte=9999999999,cents"`
	Category     string           `json:"category" validate:"required,max=100"`
	InitialStock int              `json:"initial_stock" validate:"gte=0,lte=1000000"`
	MinStock     *int             `json:"min_stock,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
	MaxStock     *int             `json:"max_stock,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
	Unit         string           `json:"unit" validate:"omitempty,max=20"`
	IsActive     *bool            `json:"is_active,omitempty"`
	ExpiryDate   *time.Time       `json:"expiry_date,omitempty"`
}

type ProductUpdateRequest struct {
	Name       *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Barcode    *string          `json:"barcode,omitempty" validate:"omitempty,max=64"`
	Price      *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0,lte=9999999999,cents"`
	CostPrice  *decimal.Decimal `json:"cost_price,omitempty" validate:"omitempty,gte=0,lte=9999999999,cents"`
	Category   *string          `json:"category,omitempty" validate:"omitempty,max=100"`
	MinStock   *int             `json:"min_stock,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
	MaxStock   *int             `json:"max_stock,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
	Unit       *string          `json:"unit,omitempty" validate:"omitempty,max=20"`
	IsActive   *bool            `json:"is_active,omitempty"`
	ExpiryDate *time.Time       `json:"expiry_date,omitempty"`
}

type Category struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type CategoryCreateRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// InventoryMovement is one immutable stock change. Quantity is the magnitude
// of the requested change; NewStock-PreviousStock is what was applied, which
// differs from Delta only when the change was clamped at zero.
type InventoryMovement struct {
	ID            string       `json:"id" db:"id"`
	ProductID     string       `json:"product_id" db:"product_id"`
	Type          MovementType `json:"type" db:"type"`
	Quantity      int          `json:"quantity" db:"quantity"`
	Delta         int          `json:"delta" db:"delta"`
	PreviousStock int          `json:"previous_stock" db:"previous_stock"`
	NewStock      int          `json:"new_stock" db:"new_stock"`
	Reason        string       `json:"reason,omitempty" db:"reason"`
	TransactionID string       `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

func (m InventoryMovement) Clamped() bool {
	return m.PreviousStock+m.Delta != m.NewStock
}

type StockAdjustmentRequest struct {
	Quantity int          `json:"quantity" validate:"required,min=-1000000,max=1000000"`
	Type     MovementType `json:"type" validate:"omitempty,oneof=sale purchase adjustment return"`
	Reason   string       `json:"reason" validate:"max=200"`
}

type StockAdjustmentResult struct {
	Product  Product           `json:"product"`
	Movement InventoryMovement `json:"movement"`
}

type LedgerReplay struct {
	ProductID     string `json:"product_id"`
	Movements     int    `json:"movements"`
	ReplayedStock int    `json:"replayed_stock"`
	CurrentStock  int    `json:"current_stock"`
	ClampedSteps  int    `json:"clamped_steps"`
	Orphaned      bool   `json:"orphaned"`
	Consistent    bool   `json:"consistent"`
	Mismatch      string `json:"mismatch,omitempty"`
}

type TransactionItem struct {
	ProductID string          `json:"product_id" db:"product_id"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int             `json:"quantity" db:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal" db:"subtotal"`
}

type Transaction struct {
	ID                string            `json:"id" db:"id"`
	Sequence          int64             `json:"sequence" db:"sequence"`
	TransactionNumber string            `json:"transaction_number" db:"transaction_number"`
	Items             []TransactionItem `json:"items" db:"-"`
	Subtotal          decimal.Decimal   `json:"subtotal" db:"subtotal"`
	Discount          decimal.Decimal   `json:"discount" db:"discount"`
	Tax               decimal.Decimal   `json:"tax" db:"tax"`
	TotalAmount       decimal.Decimal   `json:"total_amount" db:"total_amount"`
	PaymentMethod     PaymentMethod     `json:"payment_method" db:"payment_method"`
	CustomerName      string            `json:"customer_name,omitempty" db:"customer_name"`
	CustomerPhone     string            `json:"customer_phone,omitempty" db:"customer_phone"`
	Status            TransactionStatus `json:"status" db:"status"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
}

type TransactionItemRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"gt=0,lte=1000000"`
	Price     *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0,lte=9999999999,cents"`
}

type TransactionCreateRequest struct {
	Items         []TransactionItemRequest `json:"items" validate:"required,min=1,max=1000,dive"`
	PaymentMethod PaymentMethod            `json:"payment_method" validate:"omitempty,oneof=cash upi card"`
	Discount      decimal.Decimal          `json:"discount" validate:"gte=0,lte=999999999999,cents"`
	Tax           decimal.Decimal          `json:"tax" validate:"gte=0,lte=999999999999,cents"`
	CustomerName  string                   `json:"customer_name" validate:"max=120"`
	CustomerPhone string                   `json:"customer_phone" validate:"max=32"`
}

type CategorySales struct {
	Category string          `json:"category"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type ProductSales struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Revenue   decimal.Decimal `json:"revenue"`
}

type TrendPoint struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

type SalesAnalytics struct {
	Period           Period          `json:"period"`
	WindowStart      time.Time       `json:"window_start"`
	WindowEnd        time.Time       `json:"window_end"`
	TransactionCount int             `json:"transaction_count"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	DailySales       decimal.Decimal `json:"daily_sales"`
	ItemsSold        int             `json:"items_sold"`
	LowStockItems    int             `json:"low_stock_items"`
	ProfitMargin     decimal.Decimal `json:"profit_margin"`
	TopCategories    []CategorySales `json:"top_categories"`
	TopProducts      []ProductSales  `json:"top_products"`
	SalesTrend       []TrendPoint    `json:"sales_trend"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

type AlertType string

const (
	AlertLowStock     AlertType = "low_stock"
	AlertOutOfStock   AlertType = "out_of_stock"
	AlertExpiringSoon AlertType = "expiring_soon"
)

type AlertItem struct {
	ProductID    string     `json:"product_id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Stock        int        `json:"stock"`
	MinStock     int        `json:"min_stock"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	DaysToExpiry *int       `json:"days_to_expiry,omitempty"`
}

type InventoryAlert struct {
	Type     AlertType   `json:"type"`
	Severity string      `json:"severity"`
	Title    string      `json:"title"`
	Count    int         `json:"count"`
	Items    []AlertItem `json:"items"`
}

type ShopSettings struct {
	ShopName      string          `json:"shop_name" db:"shop_name"`
	Address       string          `json:"address" db:"address"`
	Phone         string          `json:"phone" db:"phone"`
	Email         string          `json:"email" db:"email"`
	Currency      string          `json:"currency" db:"currency"`
	TaxRate       decimal.Decimal `json:"tax_rate" db:"tax_rate"`
	ReceiptFooter string          `json:"receipt_footer" db:"receipt_footer"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

type SettingsUpdateRequest struct {
	ShopName      string          `json:"shop_name" validate:"required,max=120"`
	Address       string          `json:"address" validate:"max=300"`
	Phone         string          `json:"phone" validate:"max=32"`
	Email         string          `json:"email" validate:"omitempty,email"`
	Currency      string          `json:"currency" validate:"omitempty,len=3,alpha"`
	TaxRate       decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=100,cents"`
	ReceiptFooter string          `json:"receipt_footer" validate:"max=300"`
}

type ChatRequest struct {
	Query string `json:"query" validate:"required,max=2000"`
}

type ChatResponse struct {
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
	Data        any      `json:"data,omitempty"`
	Fallback    bool     `json:"fallback"`
}

// InsightsContext is the snapshot handed to the text-generation collaborator.
type InsightsContext struct {
	Analytics          *SalesAnalytics  `json:"analytics,omitempty"`
	Alerts             []InventoryAlert `json:"alerts"`
	ProductCount       int              `json:"product_count"`
	RecentTransactions []Transaction    `json:"recent_transactions"`
}
