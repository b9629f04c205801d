package lock

import (
	"context"
	"sync"
	"time"
)

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker is an in-process Locker for tests and single-node setups.
// Each key maps to a one-slot channel acting as a mutex.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// Acquire takes the key's slot, waiting up to the given duration.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Lock, error) {
	s := l.slot(key)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return &memoryLock{slot: s}, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLock struct {
	slot chan struct{}
	once sync.Once
}

func (l *memoryLock) Release(context.Context) error {
	l.once.Do(func() { <-l.slot })
	return nil
}
