// Package lock provides distributed mutual exclusion keyed by an arbitrary
// string. The production implementation coordinates through Redis; the
// in-memory implementation backs deterministic concurrency tests.
package lock

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrTimeout is returned when a lock could not be acquired within the wait
// budget. It is an ordinary contention loss, equivalent to losing the stock
// race, and must not be treated as a system fault.
var ErrTimeout = errors.New("lock acquisition timed out")

// Lock is a held lock. Release is safe to call exactly once per handle and
// must be called on every exit path.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires a mutual-exclusion lock for a key, waiting up to the
// given duration before giving up with ErrTimeout.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (Lock, error)
}
