package product

import "github.com/go-faster/errors"

// ErrInsufficientStock is returned by Stock.Decrease when the remaining
// quantity cannot cover the requested amount.
var ErrInsufficientStock = errors.New("insufficient stock")

// Stock is the purchasable quantity of a product. It is either a bounded
// counter or unlimited; consumers must handle both variants explicitly
// instead of relying on a nullable sentinel.
type Stock struct {
	unlimited bool
	quantity  int64
}

// Limited returns a bounded stock of n units. Negative values are clamped
// to zero.
func Limited(n int64) Stock {
	if n < 0 {
		n = 0
	}
	return Stock{quantity: n}
}

// Unlimited returns a stock without a purchase limit.
func Unlimited() Stock {
	return Stock{unlimited: true}
}

// IsUnlimited reports whether the stock has no purchase limit.
func (s Stock) IsUnlimited() bool {
	return s.unlimited
}

// Quantity returns the remaining units and true for a limited stock.
// For unlimited stock it returns 0 and false.
func (s Stock) Quantity() (int64, bool) {
	if s.unlimited {
		return 0, false
	}
	return s.quantity, true
}

// HasSufficient reports whether qty units can be taken from the stock.
func (s Stock) HasSufficient(qty int64) bool {
	return s.unlimited || s.quantity >= qty
}

// Decrease takes qty units and returns the resulting stock. Decreasing an
// unlimited stock is a no-op that always succeeds. Decreasing a limited
// stock below zero fails with ErrInsufficientStock and leaves the receiver
// value meaningful for retry.
func (s Stock) Decrease(qty int64) (Stock, error) {
	if s.unlimited {
		return s, nil
	}
	if s.quantity < qty {
		return s, ErrInsufficientStock
	}
	return Stock{quantity: s.quantity - qty}, nil
}
