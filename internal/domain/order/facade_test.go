package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/droplabs/market/internal/events"
	"github.com/droplabs/market/internal/lock"
)

func newTestFacade(t *testing.T, b *memoryBackend, wait time.Duration) *Facade {
	t.Helper()
	svc := NewService(b, b, events.Nop{})
	f, err := NewFacade(lock.NewMemoryLocker(), svc, wait, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return f
}

// runConcurrent fires n single-unit orders for productID at once and
// returns the number of successes, contention losses, and other errors.
func runConcurrent(t *testing.T, f *Facade, productID string, n int) (successes, losses, faults int) {
	t.Helper()
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			_, err := f.Create(ctx, CreateRequest{
				UserID: "user",
				Items:  []ItemRequest{{ProductID: productID, Quantity: 1}},
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case IsContention(err):
				losses++
			default:
				faults++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	return successes, losses, faults
}

func TestFacade_BoundedSuccessUnderContention(t *testing.T) {
	const (
		stock    = 10
		attempts = 100
	)
	b := newMemoryBackend(limitedProduct("hot", "9.99", stock))
	f := newTestFacade(t, b, 5*time.Second)

	successes, losses, faults := runConcurrent(t, f, "hot", attempts)

	assert.Equal(t, stock, successes)
	assert.Equal(t, attempts-stock, losses)
	assert.Zero(t, faults)

	p, err := b.GetByID(context.Background(), "hot")
	require.NoError(t, err)
	qty, ok := p.Stock.Quantity()
	require.True(t, ok)
	assert.Equal(t, int64(0), qty, "final stock is zero")
	assert.Equal(t, stock, b.ordersFor("hot"), "persisted orders equal initial stock")
}

func TestFacade_BoundedSuccess_SmallStockLargeCrowd(t *testing.T) {
	b := newMemoryBackend(limitedProduct("rare", "99.00", 3))
	f := newTestFacade(t, b, 10*time.Second)

	successes, _, faults := runConcurrent(t, f, "rare", 200)

	assert.Equal(t, 3, successes)
	assert.Zero(t, faults)

	p, _ := b.GetByID(context.Background(), "rare")
	qty, _ := p.Stock.Quantity()
	assert.Equal(t, int64(0), qty)
}

func TestFacade_UnlimitedStockAllSucceed(t *testing.T) {
	b := newMemoryBackend(unlimitedProduct("endless", "1.00"))
	f := newTestFacade(t, b, 5*time.Second)

	successes, losses, faults := runConcurrent(t, f, "endless", 80)

	assert.Equal(t, 80, successes)
	assert.Zero(t, losses)
	assert.Zero(t, faults)

	p, _ := b.GetByID(context.Background(), "endless")
	assert.True(t, p.Stock.IsUnlimited())
}

func TestFacade_LockTimeoutIsContentionLoss(t *testing.T) {
	b := newMemoryBackend(limitedProduct("p1", "10.00", 5))
	locker := lock.NewMemoryLocker()
	svc := NewService(b, b, events.Nop{})
	f, err := NewFacade(locker, svc, 30*time.Millisecond, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	held, err := locker.Acquire(ctx, "lock:stock:p1", time.Second)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = f.Create(ctx, CreateRequest{
		UserID: "u1",
		Items:  []ItemRequest{{ProductID: "p1", Quantity: 1}},
	})
	require.ErrorIs(t, err, lock.ErrTimeout)
	assert.True(t, IsContention(err))
}

func TestFacade_MultiItemOrdersDoNotDeadlock(t *testing.T) {
	b := newMemoryBackend(
		limitedProduct("a", "1.00", 1000),
		limitedProduct("b", "1.00", 1000),
		limitedProduct("c", "1.00", 1000),
	)
	f := newTestFacade(t, b, 5*time.Second)
	ctx := context.Background()

	// Concurrent orders touching the same products in different request
	// orders: the facade's sorted key acquisition must prevent deadlock.
	requests := [][]ItemRequest{
		{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 1}},
		{{ProductID: "b", Quantity: 1}, {ProductID: "a", Quantity: 1}},
		{{ProductID: "c", Quantity: 1}, {ProductID: "a", Quantity: 1}},
		{{ProductID: "b", Quantity: 1}, {ProductID: "c", Quantity: 1}},
	}

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Create(ctx, CreateRequest{
				UserID: "user",
				Items:  requests[i%len(requests)],
			})
			assert.NoError(t, err)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("deadlock: concurrent multi-item orders did not finish")
	}
}

func TestFacade_DuplicateItemsAcquireSingleLock(t *testing.T) {
	b := newMemoryBackend(limitedProduct("p1", "2.00", 10))
	f := newTestFacade(t, b, 100*time.Millisecond)

	// A request listing the same product twice must not self-deadlock on
	// its own lock.
	res, err := f.Create(context.Background(), CreateRequest{
		UserID: "u1",
		Items: []ItemRequest{
			{ProductID: "p1", Quantity: 1},
			{ProductID: "p1", Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Len(t, res.Order.Items, 2)
}

// lockObservingPublisher records, for each publish, whether the product's
// stock lock was acquirable at that moment.
type lockObservingPublisher struct {
	locker  lock.Locker
	lockKey string

	mu       sync.Mutex
	events   []events.Event
	lockFree []bool
}

func (p *lockObservingPublisher) Publish(ctx context.Context, e events.Event) error {
	h, err := p.locker.Acquire(ctx, p.lockKey, 10*time.Millisecond)
	free := err == nil
	if free {
		_ = h.Release(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	p.lockFree = append(p.lockFree, free)
	return nil
}

func TestFacade_PublishesCreatedAfterLockRelease(t *testing.T) {
	b := newMemoryBackend(limitedProduct("p1", "10.00", 5))
	locker := lock.NewMemoryLocker()
	pub := &lockObservingPublisher{locker: locker, lockKey: "lock:stock:p1"}
	svc := NewService(b, b, pub)
	f, err := NewFacade(locker, svc, time.Second, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	res, err := f.Create(context.Background(), CreateRequest{
		UserID:    "u1",
		UserEmail: "u1@example.com",
		Items:     []ItemRequest{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.True(t, pub.lockFree[0], "stock lock released before the publish")

	created, ok := pub.events[0].(events.OrderCreated)
	require.True(t, ok)
	assert.Equal(t, res.Order.ID, created.OrderID)
	assert.Equal(t, "u1@example.com", created.UserEmail)
}

func TestFacade_PublishFailureDoesNotFailOrder(t *testing.T) {
	b := newMemoryBackend(limitedProduct("p1", "10.00", 5))
	pub := &capturingPublisher{err: errors.New("broker down")}
	svc := NewService(b, b, pub)
	f, err := NewFacade(lock.NewMemoryLocker(), svc, time.Second, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	res, err := f.Create(context.Background(), CreateRequest{
		UserID: "u1",
		Items:  []ItemRequest{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Len(t, b.orders, 1)
}

func TestFacade_NoPublishOnFailedCreate(t *testing.T) {
	b := newMemoryBackend(limitedProduct("p1", "10.00", 1))
	pub := &capturingPublisher{}
	svc := NewService(b, b, pub)
	f, err := NewFacade(lock.NewMemoryLocker(), svc, time.Second, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	_, err = f.Create(context.Background(), CreateRequest{
		UserID: "u1",
		Items:  []ItemRequest{{ProductID: "p1", Quantity: 2}},
	})
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Empty(t, pub.events)
}

func TestLockKeys_SortedAndDeduplicated(t *testing.T) {
	keys := lockKeys([]ItemRequest{
		{ProductID: "z"},
		{ProductID: "a"},
		{ProductID: "z"},
		{ProductID: "m"},
	})
	assert.Equal(t, []string{
		"lock:stock:a",
		"lock:stock:m",
		"lock:stock:z",
	}, keys)
}
