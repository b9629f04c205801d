package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment.
type Status string

const (
	// StatusReady is the initial state: the order exists but the buyer has
	// not reached the gateway yet.
	StatusReady Status = "READY"
	// StatusInProgress means a confirm call to the gateway has started.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusDone means the gateway approved the payment.
	StatusDone Status = "DONE"
	// StatusFailed means the confirm attempt failed.
	StatusFailed Status = "FAILED"
	// StatusCanceled covers both abandoned checkouts and refunds.
	StatusCanceled Status = "CANCELED"
)

// Method identifies how a payment was settled.
type Method string

// MethodFree marks zero-total orders that never involve the gateway.
const MethodFree Method = "FREE"

// Sentinel errors for payment lookups and transitions.
var (
	ErrNotFound         = errors.New("payment not found")
	ErrAlreadyConfirmed = errors.New("payment already confirmed")
	ErrInvalidState     = errors.New("payment is not in a valid state for this operation")
	ErrNotCancelable    = errors.New("payment cannot be canceled in its current state")
	// ErrStaleUpdate is returned by the repository when a status-guarded
	// update matched no row, i.e. a concurrent writer won the race.
	ErrStaleUpdate = errors.New("payment was modified concurrently")
)

// AmountMismatchError indicates a confirm attempt with an amount that does
// not equal the order total.
type AmountMismatchError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount %s does not match order total %s", e.Actual, e.Expected)
}

// Payment tracks the settlement of exactly one order. The amount is fixed at
// creation; only the status machine mutates the rest.
type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	Amount        decimal.Decimal
	Method        Method
	Status        Status
	PaymentKey    string // gateway payment key, empty until a confirm attempt begins
	RequestedAt   time.Time
	ApprovedAt    *time.Time
	CanceledAt    *time.Time
	CancelReason  string
	FailureReason string
}

// New creates a payment in READY awaiting gateway confirmation.
func New(orderID, userID string, amount decimal.Decimal, now time.Time) *Payment {
	return &Payment{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		UserID:      userID,
		Amount:      amount,
		Status:      StatusReady,
		RequestedAt: now,
	}
}

// NewFree creates an already-approved payment for a zero-total order. The
// gateway is never involved.
func NewFree(orderID, userID string, now time.Time) *Payment {
	approved := now
	return &Payment{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		UserID:      userID,
		Amount:      decimal.Zero,
		Method:      MethodFree,
		Status:      StatusDone,
		RequestedAt: now,
		ApprovedAt:  &approved,
	}
}

// Repository defines persistence for payments. Update applies a
// compare-and-set on the expected status so a live confirm and a
// reconciliation sweep can race safely: whoever matches the stored status
// wins, the loser gets ErrStaleUpdate.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	GetByPaymentKey(ctx context.Context, key string) (*Payment, error)
	Create(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment, expected Status) error
	ListInProgressBefore(ctx context.Context, cutoff time.Time) ([]Payment, error)
	ListReadyBefore(ctx context.Context, cutoff time.Time) ([]Payment, error)
}
