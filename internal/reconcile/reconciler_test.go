package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/droplabs/market/internal/domain/payment"
	"github.com/droplabs/market/internal/gateway"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- Mock implementations ---

type mockPayments struct {
	mu   sync.Mutex
	rows map[string]*payment.Payment

	listErr error
}

func newMockPayments(ps ...*payment.Payment) *mockPayments {
	rows := make(map[string]*payment.Payment, len(ps))
	for _, p := range ps {
		cp := *p
		rows[p.ID] = &cp
	}
	return &mockPayments{rows: rows}
}

func (m *mockPayments) GetByID(_ context.Context, id string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPayments) GetByOrderID(context.Context, string) (*payment.Payment, error) {
	return nil, payment.ErrNotFound
}

func (m *mockPayments) GetByPaymentKey(context.Context, string) (*payment.Payment, error) {
	return nil, payment.ErrNotFound
}

func (m *mockPayments) Create(_ context.Context, p *payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *mockPayments) Update(_ context.Context, p *payment.Payment, expected payment.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[p.ID]
	if !ok || stored.Status != expected {
		return payment.ErrStaleUpdate
	}
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *mockPayments) ListInProgressBefore(_ context.Context, cutoff time.Time) ([]payment.Payment, error) {
	return m.list(payment.StatusInProgress, cutoff)
}

func (m *mockPayments) ListReadyBefore(_ context.Context, cutoff time.Time) ([]payment.Payment, error) {
	return m.list(payment.StatusReady, cutoff)
}

func (m *mockPayments) list(status payment.Status, cutoff time.Time) ([]payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []payment.Payment
	for _, p := range m.rows {
		if p.Status == status && p.RequestedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockPayments) status(id string) payment.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

// queryGateway answers Query per payment key; other calls are unused.
type queryGateway struct {
	mu       sync.Mutex
	byKey    map[string]*gateway.PaymentInfo
	errByKey map[string]error
	calls    int
}

func (g *queryGateway) Confirm(context.Context, string, string, decimal.Decimal) (*gateway.Confirmation, error) {
	panic("reconciler must never confirm")
}

func (g *queryGateway) Cancel(context.Context, string, string) (*gateway.Cancellation, error) {
	panic("reconciler must never call gateway cancel")
}

func (g *queryGateway) Query(_ context.Context, key string) (*gateway.PaymentInfo, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if err := g.errByKey[key]; err != nil {
		return nil, err
	}
	info, ok := g.byKey[key]
	if !ok {
		return nil, &gateway.Error{Op: "query", Err: errors.New("unknown key")}
	}
	return info, nil
}

// --- Helpers ---

func inProgressPayment(id, key string, requestedAt time.Time) *payment.Payment {
	p := payment.New("order-"+id, "user-1", decimal.RequireFromString("10.00"), requestedAt)
	p.ID = id
	if err := p.BeginConfirm(key); err != nil {
		panic(err)
	}
	return p
}

func readyPayment(id string, requestedAt time.Time) *payment.Payment {
	p := payment.New("order-"+id, "user-1", decimal.RequireFromString("10.00"), requestedAt)
	p.ID = id
	return p
}

func newReconciler(t *testing.T, payments payment.Repository, gw gateway.Client) *Reconciler {
	t.Helper()
	r, err := New(Config{
		Interval:     time.Minute,
		StuckAfter:   10 * time.Minute,
		AbandonAfter: 30 * time.Minute,
	}, payments, gw, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	r.now = func() time.Time { return testNow }
	return r
}

// --- Tests ---

func TestSweepStuck_GatewayReportsDone(t *testing.T) {
	old := testNow.Add(-20 * time.Minute)
	payments := newMockPayments(inProgressPayment("pay-1", "pk-1", old))

	approvedAt := testNow.Add(-15 * time.Minute)
	gw := &queryGateway{byKey: map[string]*gateway.PaymentInfo{
		"pk-1": {PaymentKey: "pk-1", Status: "DONE", Method: "CARD", ApprovedAt: &approvedAt},
	}}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	assert.Equal(t, payment.StatusDone, payments.status("pay-1"))
	p, _ := payments.GetByID(context.Background(), "pay-1")
	require.NotNil(t, p.ApprovedAt)
	assert.Equal(t, approvedAt, *p.ApprovedAt)
}

func TestSweepStuck_GatewayReportsFailure(t *testing.T) {
	old := testNow.Add(-20 * time.Minute)
	payments := newMockPayments(inProgressPayment("pay-1", "pk-1", old))

	gw := &queryGateway{byKey: map[string]*gateway.PaymentInfo{
		"pk-1": {PaymentKey: "pk-1", Status: "ABORTED"},
	}}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	assert.Equal(t, payment.StatusFailed, payments.status("pay-1"))
	p, _ := payments.GetByID(context.Background(), "pay-1")
	assert.NotEmpty(t, p.FailureReason)
}

func TestSweepStuck_GatewayReportsCanceled(t *testing.T) {
	old := testNow.Add(-20 * time.Minute)
	payments := newMockPayments(inProgressPayment("pay-1", "pk-1", old))

	gw := &queryGateway{byKey: map[string]*gateway.PaymentInfo{
		"pk-1": {PaymentKey: "pk-1", Status: "CANCELED"},
	}}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	// A confirmation the provider canceled out of band settles as FAILED
	// with the reported reason.
	assert.Equal(t, payment.StatusFailed, payments.status("pay-1"))
	p, _ := payments.GetByID(context.Background(), "pay-1")
	assert.Equal(t, "reported CANCELED by gateway", p.FailureReason)

	// Settled for good: the next tick has nothing left to query.
	gw.mu.Lock()
	gw.calls = 0
	gw.mu.Unlock()
	r.RunOnce(context.Background())
	assert.Zero(t, gw.calls)
}

func TestSweepStuck_StillInProgressLeftUntouched(t *testing.T) {
	old := testNow.Add(-20 * time.Minute)
	payments := newMockPayments(inProgressPayment("pay-1", "pk-1", old))

	gw := &queryGateway{byKey: map[string]*gateway.PaymentInfo{
		"pk-1": {PaymentKey: "pk-1", Status: "IN_PROGRESS"},
	}}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	assert.Equal(t, payment.StatusInProgress, payments.status("pay-1"))
}

func TestSweepStuck_RecentPaymentsNotSwept(t *testing.T) {
	recent := testNow.Add(-5 * time.Minute)
	payments := newMockPayments(inProgressPayment("pay-1", "pk-1", recent))

	gw := &queryGateway{}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	assert.Zero(t, gw.calls, "recent payments are outside the sweep window")
	assert.Equal(t, payment.StatusInProgress, payments.status("pay-1"))
}

func TestSweepStuck_OneFailureDoesNotAbortSweep(t *testing.T) {
	old := testNow.Add(-20 * time.Minute)
	payments := newMockPayments(
		inProgressPayment("pay-1", "pk-1", old),
		inProgressPayment("pay-2", "pk-2", old),
	)

	gw := &queryGateway{
		byKey: map[string]*gateway.PaymentInfo{
			"pk-2": {PaymentKey: "pk-2", Status: "DONE", Method: "CARD"},
		},
		errByKey: map[string]error{
			"pk-1": &gateway.Error{Op: "query", Err: errors.New("timeout")},
		},
	}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	// pay-1 untouched (retry next tick), pay-2 repaired.
	assert.Equal(t, payment.StatusInProgress, payments.status("pay-1"))
	assert.Equal(t, payment.StatusDone, payments.status("pay-2"))
}

func TestSweepAbandoned(t *testing.T) {
	payments := newMockPayments(
		readyPayment("old", testNow.Add(-time.Hour)),
		readyPayment("fresh", testNow.Add(-5*time.Minute)),
	)
	gw := &queryGateway{}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())

	assert.Equal(t, payment.StatusCanceled, payments.status("old"))
	assert.Equal(t, payment.StatusReady, payments.status("fresh"))
	assert.Zero(t, gw.calls, "abandonment sweep makes no gateway calls")

	p, _ := payments.GetByID(context.Background(), "old")
	assert.Equal(t, "abandoned", p.CancelReason)
	require.NotNil(t, p.CanceledAt)
}

func TestSweepAbandoned_LosesRaceToLiveConfirm(t *testing.T) {
	payments := newMockPayments(readyPayment("pay-1", testNow.Add(-time.Hour)))
	gw := &queryGateway{}

	r := newReconciler(t, payments, gw)

	// A live confirm lands between the list and the update.
	payments.mu.Lock()
	payments.rows["pay-1"].Status = payment.StatusInProgress
	payments.rows["pay-1"].PaymentKey = "pk-live"
	payments.mu.Unlock()

	// Sweep sees nothing in READY anymore; even if it had listed the row
	// earlier, the guarded update would be stale. Either way the live flow
	// wins.
	r.RunOnce(context.Background())
	assert.Equal(t, payment.StatusInProgress, payments.status("pay-1"))
}

func TestRunOnce_RerunIsIdempotent(t *testing.T) {
	old := testNow.Add(-20 * time.Minute)
	payments := newMockPayments(
		inProgressPayment("pay-1", "pk-1", old),
		readyPayment("pay-2", testNow.Add(-time.Hour)),
	)
	gw := &queryGateway{byKey: map[string]*gateway.PaymentInfo{
		"pk-1": {PaymentKey: "pk-1", Status: "DONE", Method: "CARD"},
	}}

	r := newReconciler(t, payments, gw)
	r.RunOnce(context.Background())
	r.RunOnce(context.Background())

	assert.Equal(t, payment.StatusDone, payments.status("pay-1"))
	assert.Equal(t, payment.StatusCanceled, payments.status("pay-2"))
}

func TestRunOnce_SkipsWhileRunning(t *testing.T) {
	payments := newMockPayments()
	gw := &queryGateway{}
	r := newReconciler(t, payments, gw)

	// Hold the guard as a long-running sweep would.
	require.True(t, r.running.CompareAndSwap(false, true))
	defer r.running.Store(false)

	done := make(chan struct{})
	go func() {
		r.RunOnce(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunOnce blocked instead of skipping")
	}
}
