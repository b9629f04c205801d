package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/droplabs/market/internal/domain/payment"
)

const (
	paymentColumns = `id, order_id, user_id, amount, method, status, payment_key,
		requested_at, approved_at, canceled_at, cancel_reason, failure_reason`

	getPaymentByIDSQL    = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	getPaymentByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1`
	getPaymentByKeySQL   = `SELECT ` + paymentColumns + ` FROM payments WHERE payment_key = $1`

	createPaymentSQL = `INSERT INTO payments
		(id, order_id, user_id, amount, method, status, payment_key, requested_at, approved_at, canceled_at, cancel_reason, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	// updatePaymentSQL guards on the caller's expected status. Zero rows
	// affected means a concurrent writer changed the payment first.
	updatePaymentSQL = `UPDATE payments SET
		method = $2, status = $3, payment_key = $4, approved_at = $5,
		canceled_at = $6, cancel_reason = $7, failure_reason = $8
		WHERE id = $1 AND status = $9`

	listInProgressBeforeSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'IN_PROGRESS' AND requested_at < $1 ORDER BY requested_at`

	listReadyBeforeSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'READY' AND requested_at < $1 ORDER BY requested_at`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// GetByID returns a payment by its identifier.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	return r.getPayment(ctx, getPaymentByIDSQL, id)
}

// GetByOrderID returns the payment attached to the given order.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	return r.getPayment(ctx, getPaymentByOrderSQL, orderID)
}

// GetByPaymentKey returns the payment holding the given gateway key.
func (r *PaymentRepository) GetByPaymentKey(ctx context.Context, key string) (*payment.Payment, error) {
	if key == "" {
		return nil, payment.ErrNotFound
	}
	return r.getPayment(ctx, getPaymentByKeySQL, key)
}

func (r *PaymentRepository) getPayment(ctx context.Context, sql, arg string) (*payment.Payment, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query payment")
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, errors.Wrap(err, "get payment")
	}
	return &p, nil
}

// Create inserts a new payment row.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if _, err := r.pool.Exec(ctx, createPaymentSQL,
		p.ID, p.OrderID, p.UserID, p.Amount, string(p.Method), string(p.Status),
		p.PaymentKey, p.RequestedAt, p.ApprovedAt, p.CanceledAt, p.CancelReason, p.FailureReason,
	); err != nil {
		return errors.Wrapf(err, "create payment %q", p.ID)
	}
	return nil
}

// Update writes the mutable payment fields with a compare-and-set on the
// expected status. Returns payment.ErrStaleUpdate if no row matched.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment, expected payment.Status) error {
	ct, err := r.pool.Exec(ctx, updatePaymentSQL,
		p.ID, string(p.Method), string(p.Status), p.PaymentKey, p.ApprovedAt,
		p.CanceledAt, p.CancelReason, p.FailureReason, string(expected),
	)
	if err != nil {
		return errors.Wrapf(err, "update payment %q", p.ID)
	}
	if ct.RowsAffected() == 0 {
		return payment.ErrStaleUpdate
	}
	return nil
}

// ListInProgressBefore returns payments stuck in IN_PROGRESS that were
// requested before the cutoff.
func (r *PaymentRepository) ListInProgressBefore(ctx context.Context, cutoff time.Time) ([]payment.Payment, error) {
	return r.listPayments(ctx, listInProgressBeforeSQL, cutoff)
}

// ListReadyBefore returns READY payments requested before the cutoff, i.e.
// checkouts the buyer likely abandoned.
func (r *PaymentRepository) ListReadyBefore(ctx context.Context, cutoff time.Time) ([]payment.Payment, error) {
	return r.listPayments(ctx, listReadyBeforeSQL, cutoff)
}

func (r *PaymentRepository) listPayments(ctx context.Context, sql string, cutoff time.Time) ([]payment.Payment, error) {
	rows, err := r.pool.Query(ctx, sql, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}
	return pgx.CollectRows(rows, scanPayment)
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		method string
		status string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.Amount, &method, &status, &p.PaymentKey,
		&p.RequestedAt, &p.ApprovedAt, &p.CanceledAt, &p.CancelReason, &p.FailureReason,
	)
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	return p, err
}
