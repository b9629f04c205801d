package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/droplabs/market/internal/domain/payment"
)

// Sentinel errors for order validation and lookup.
var (
	ErrNotFound        = errors.New("order not found")
	ErrEmptyItems      = errors.New("items required")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InsufficientStockError indicates a product could not cover the requested
// quantity. It is an expected, frequent outcome under contention and is
// never logged as an application error.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Order is a completed purchase: immutable after creation except for being
// referenced by its payment.
type Order struct {
	ID         string
	UserID     string
	OrderKey   string // opaque identifier shared with the payment gateway
	Items      []Item
	TotalPrice decimal.Decimal
	CreatedAt  time.Time
}

// Item is a single line of an order with the price captured at purchase.
type Item struct {
	ProductID string
	Quantity  int64
	Price     decimal.Decimal
}

// Subtotal is quantity times the captured price.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(i.Quantity))
}

// Total sums the item subtotals. Order.TotalPrice is only ever assigned
// from this function, never set independently.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// StockDecrement is one product's aggregated decrement inside the order
// creation transaction. Unlimited-stock products never appear here.
type StockDecrement struct {
	ProductID string
	Quantity  int64
}

// Repository defines read operations for orders.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByOrderKey(ctx context.Context, orderKey string) (*Order, error)
}

// Store persists an order, its items, its payment, and the stock
// decrements as a single atomic unit. Implementations must apply each
// decrement with a non-negative guard and fail the whole unit with
// *InsufficientStockError when any product cannot cover its quantity.
type Store interface {
	CreateOrder(ctx context.Context, o *Order, p *payment.Payment, decrements []StockDecrement) error
}
