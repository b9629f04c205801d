// Package gateway defines the boundary to the external payment provider.
// All network failure surfaces here; callers classify anything returned as
// *Error as an external gateway fault.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Error classifies a failed call to the payment provider. Code carries the
// provider's error code when one was returned; transport failures leave it
// empty.
type Error struct {
	Op   string // "confirm", "query", "cancel"
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsGatewayError reports whether err originated at the payment provider
// boundary.
func IsGatewayError(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}

// Confirmation is the provider's response to a successful confirm call.
type Confirmation struct {
	PaymentKey string
	OrderKey   string
	Status     string
	Method     string
	ApprovedAt time.Time
	MerchantID string
}

// PaymentInfo is the provider's view of a payment, returned by Query.
type PaymentInfo struct {
	PaymentKey  string
	OrderKey    string
	Status      string
	Method      string
	TotalAmount decimal.Decimal
	ApprovedAt  *time.Time
}

// Cancellation is the provider's response to a successful cancel call.
type Cancellation struct {
	PaymentKey string
	Status     string
	CanceledAt time.Time
}

// Client talks to the external payment provider. Every call is blocking
// network I/O and may fail with *Error; none may be made while holding the
// stock lock.
type Client interface {
	Confirm(ctx context.Context, paymentKey, orderKey string, amount decimal.Decimal) (*Confirmation, error)
	Query(ctx context.Context, paymentKey string) (*PaymentInfo, error)
	Cancel(ctx context.Context, paymentKey, reason string) (*Cancellation, error)
}
