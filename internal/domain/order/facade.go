package order

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/droplabs/market/internal/lock"
)

const stockLockPrefix = "lock:stock:"

// Facade serializes order creation attempts that contend on the same
// products. It acquires one distributed lock per distinct product before
// invoking the creation service, so the service's check-then-decrement is
// race-free, and releases every lock on every exit path. Locks are never
// held across gateway or broker calls; the critical section is local
// validation plus storage writes.
type Facade struct {
	locks   lock.Locker
	service *Service
	wait    time.Duration

	contentionLosses metric.Int64Counter
}

// NewFacade creates a Facade. The meter records contention losses (lock
// timeouts and stock exhaustion), which are expected at scale and countable
// without being alertable errors.
func NewFacade(locks lock.Locker, service *Service, wait time.Duration, meter metric.Meter) (*Facade, error) {
	losses, err := meter.Int64Counter("market.orders.contention_losses",
		metric.WithDescription("Order attempts lost to lock timeouts or exhausted stock"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return &Facade{
		locks:            locks,
		service:          service,
		wait:             wait,
		contentionLosses: losses,
	}, nil
}

// Create acquires the stock locks for the request's products in sorted,
// deduplicated order (a fixed global order prevents deadlock between
// concurrent multi-item orders), runs the creation service, and releases
// the locks in reverse order. The order.created event is published only
// once the locks are back off.
func (f *Facade) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	res, err := f.createLocked(ctx, req)
	if err != nil {
		return nil, err
	}

	f.service.publishCreated(ctx, res.Order, req.UserEmail)

	return res, nil
}

func (f *Facade) createLocked(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	keys := lockKeys(req.Items)

	held := make([]lock.Lock, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(ctx)
		}
	}()

	for _, key := range keys {
		h, err := f.locks.Acquire(ctx, key, f.wait)
		if err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				f.contentionLosses.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "lock_timeout")))
			}
			return nil, err
		}
		held = append(held, h)
	}

	res, err := f.service.Create(ctx, req)
	if err != nil {
		var ise *InsufficientStockError
		if errors.As(err, &ise) {
			f.contentionLosses.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "out_of_stock")))
		}
		return nil, err
	}
	return res, nil
}

// lockKeys returns the sorted, deduplicated lock keys for the request.
func lockKeys(items []ItemRequest) []string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, stockLockPrefix+it.ProductID)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// IsContention reports whether err is an expected contention loss (lock
// timeout or exhausted stock) rather than a fault.
func IsContention(err error) bool {
	var ise *InsufficientStockError
	return errors.Is(err, lock.ErrTimeout) || errors.As(err, &ise)
}
