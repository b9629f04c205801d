package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/droplabs/market/internal/domain/order"
	"github.com/droplabs/market/internal/domain/payment"
)

const (
	// decrementStockSQL only matches when the remaining stock covers the
	// quantity, so a limited stock can never go negative even if the
	// application-level lock is bypassed.
	decrementStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND NOT unlimited AND stock >= $2`

	insertOrderSQL = `INSERT INTO orders (id, user_id, order_key, total_price, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, product_id, quantity, price)
		VALUES ($1, $2, $3, $4)`

	insertPaymentSQL = `INSERT INTO payments
		(id, order_id, user_id, amount, method, status, payment_key, requested_at, approved_at, canceled_at, cancel_reason, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	getOrderSQL      = `SELECT id, user_id, order_key, total_price, created_at FROM orders WHERE id = $1`
	getOrderByKeySQL = `SELECT id, user_id, order_key, total_price, created_at FROM orders WHERE order_key = $1`

	getOrderItemsSQL = `SELECT product_id, quantity, price FROM order_items WHERE order_id = $1 ORDER BY id`
)

var (
	_ order.Store      = (*OrderRepository)(nil)
	_ order.Repository = (*OrderRepository)(nil)
	_ payment.Orders   = (*OrderRepository)(nil)
)

// OrderRepository persists orders and their line items in PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CreateOrder persists the order, its items, the initial payment, and the
// stock decrements in one transaction. Any decrement that cannot cover its
// quantity rolls back the whole unit with *order.InsufficientStockError.
func (r *OrderRepository) CreateOrder(ctx context.Context, o *order.Order, p *payment.Payment, decrements []order.StockDecrement) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)

	for _, d := range decrements {
		ct, err := tx.Exec(ctx, decrementStockSQL, d.ProductID, d.Quantity)
		if err != nil {
			return errors.Wrapf(err, "decrement stock for %q", d.ProductID)
		}
		if ct.RowsAffected() == 0 {
			available, err := r.availableStock(ctx, tx, d.ProductID)
			if err != nil {
				return err
			}
			return &order.InsufficientStockError{
				ProductID: d.ProductID,
				Requested: d.Quantity,
				Available: available,
			}
		}
	}

	if _, err := tx.Exec(ctx, insertOrderSQL,
		o.ID, o.UserID, o.OrderKey, o.TotalPrice, o.CreatedAt,
	); err != nil {
		return errors.Wrapf(err, "insert order %q", o.ID)
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, insertOrderItemSQL,
			o.ID, it.ProductID, it.Quantity, it.Price,
		); err != nil {
			return errors.Wrapf(err, "insert order item %q", it.ProductID)
		}
	}

	if _, err := tx.Exec(ctx, insertPaymentSQL,
		p.ID, p.OrderID, p.UserID, p.Amount, string(p.Method), string(p.Status),
		p.PaymentKey, p.RequestedAt, p.ApprovedAt, p.CanceledAt, p.CancelReason, p.FailureReason,
	); err != nil {
		return errors.Wrapf(err, "insert payment %q", p.ID)
	}

	return tx.Commit(ctx)
}

func (r *OrderRepository) availableStock(ctx context.Context, tx pgx.Tx, productID string) (int64, error) {
	var stock int64
	err := tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &order.ProductNotFoundError{ProductID: productID}
		}
		return 0, errors.Wrapf(err, "read stock for %q", productID)
	}
	return stock, nil
}

// GetByID returns an order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getOrder(ctx, getOrderSQL, id)
}

// GetByOrderKey returns an order by the opaque key shared with the gateway.
func (r *OrderRepository) GetByOrderKey(ctx context.Context, orderKey string) (*order.Order, error) {
	return r.getOrder(ctx, getOrderByKeySQL, orderKey)
}

func (r *OrderRepository) getOrder(ctx context.Context, sql, arg string) (*order.Order, error) {
	var o order.Order
	err := r.pool.QueryRow(ctx, sql, arg).Scan(
		&o.ID, &o.UserID, &o.OrderKey, &o.TotalPrice, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}

	rows, err := r.pool.Query(ctx, getOrderItemsSQL, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get order items")
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var it order.Item
		err := row.Scan(&it.ProductID, &it.Quantity, &it.Price)
		return it, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect order items")
	}
	return &o, nil
}

// ByID adapts GetByID to the payment service's order lookup.
func (r *OrderRepository) ByID(ctx context.Context, id string) (*payment.OrderRef, error) {
	return r.orderRef(r.GetByID(ctx, id))
}

// ByOrderKey adapts GetByOrderKey to the payment service's order lookup.
func (r *OrderRepository) ByOrderKey(ctx context.Context, orderKey string) (*payment.OrderRef, error) {
	return r.orderRef(r.GetByOrderKey(ctx, orderKey))
}

func (r *OrderRepository) orderRef(o *order.Order, err error) (*payment.OrderRef, error) {
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, payment.ErrOrderNotFound
		}
		return nil, err
	}

	ref := &payment.OrderRef{
		ID:         o.ID,
		UserID:     o.UserID,
		OrderKey:   o.OrderKey,
		TotalPrice: o.TotalPrice,
		Items:      make([]payment.OrderLine, len(o.Items)),
	}
	for i, it := range o.Items {
		ref.Items[i] = payment.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return ref, nil
}
