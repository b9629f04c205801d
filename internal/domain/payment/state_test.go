package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newReadyPayment() *Payment {
	return New("order-1", "user-1", decimal.RequireFromString("49.90"), testNow)
}

func TestBeginConfirm(t *testing.T) {
	p := newReadyPayment()

	require.NoError(t, p.BeginConfirm("pk-123"))
	assert.Equal(t, StatusInProgress, p.Status)
	assert.Equal(t, "pk-123", p.PaymentKey)
}

func TestBeginConfirm_AlreadyDone(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-123"))
	require.NoError(t, p.Approve("CARD", testNow))

	err := p.BeginConfirm("pk-456")
	require.ErrorIs(t, err, ErrAlreadyConfirmed)
	assert.Equal(t, "pk-123", p.PaymentKey)
}

func TestBeginConfirm_FromFailed(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-123"))
	require.NoError(t, p.Fail("declined"))

	require.ErrorIs(t, p.BeginConfirm("pk-456"), ErrInvalidState)
}

func TestApprove(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-123"))

	approvedAt := testNow.Add(time.Minute)
	require.NoError(t, p.Approve("CARD", approvedAt))

	assert.Equal(t, StatusDone, p.Status)
	assert.Equal(t, Method("CARD"), p.Method)
	require.NotNil(t, p.ApprovedAt)
	assert.Equal(t, approvedAt, *p.ApprovedAt)
}

func TestApprove_NotInProgress(t *testing.T) {
	p := newReadyPayment()
	require.ErrorIs(t, p.Approve("CARD", testNow), ErrInvalidState)
}

func TestFail(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-123"))
	require.NoError(t, p.Fail("card declined"))

	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "card declined", p.FailureReason)
}

func TestCancel_Abandoned(t *testing.T) {
	p := newReadyPayment()

	require.NoError(t, p.Cancel("abandoned", testNow))
	assert.Equal(t, StatusCanceled, p.Status)
	assert.Equal(t, "abandoned", p.CancelReason)
	require.NotNil(t, p.CanceledAt)
}

func TestCancel_Refund(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-123"))
	require.NoError(t, p.Approve("CARD", testNow))

	canceledAt := testNow.Add(time.Hour)
	require.NoError(t, p.Cancel("customer request", canceledAt))

	assert.Equal(t, StatusCanceled, p.Status)
	assert.Equal(t, canceledAt, *p.CanceledAt)
}

func TestCancel_TerminalStates(t *testing.T) {
	failed := newReadyPayment()
	require.NoError(t, failed.BeginConfirm("pk-1"))
	require.NoError(t, failed.Fail("declined"))
	require.ErrorIs(t, failed.Cancel("x", testNow), ErrNotCancelable)

	inProgress := newReadyPayment()
	require.NoError(t, inProgress.BeginConfirm("pk-2"))
	require.ErrorIs(t, inProgress.Cancel("x", testNow), ErrNotCancelable)

	canceled := newReadyPayment()
	require.NoError(t, canceled.Cancel("abandoned", testNow))
	require.ErrorIs(t, canceled.Cancel("again", testNow), ErrNotCancelable)
}

func TestNewFree(t *testing.T) {
	p := NewFree("order-1", "user-1", testNow)

	assert.Equal(t, StatusDone, p.Status)
	assert.Equal(t, MethodFree, p.Method)
	assert.True(t, p.Amount.IsZero())
	require.NotNil(t, p.ApprovedAt)
}

func TestApplyGatewayStatus_Idempotent(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-1"))
	require.NoError(t, p.Approve("CARD", testNow))

	changed, err := p.ApplyGatewayStatus("pk-1", StatusDone, "CARD", nil, "", testNow)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusDone, p.Status)
}

func TestApplyGatewayStatus_StuckToDone(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-1"))

	approvedAt := testNow.Add(2 * time.Minute)
	changed, err := p.ApplyGatewayStatus("pk-1", StatusDone, "CARD", &approvedAt, "", testNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusDone, p.Status)
	assert.Equal(t, approvedAt, *p.ApprovedAt)
}

func TestApplyGatewayStatus_StuckToCanceledSettlesFailed(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-1"))

	// Provider-side cancellation of a confirmation that never completed
	// locally: there is no DONE to refund from, so it settles as FAILED.
	changed, err := p.ApplyGatewayStatus("pk-1", StatusCanceled, "", nil, "", testNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "canceled at gateway", p.FailureReason)

	// Re-applying the same report carries no new information.
	changed, err = p.ApplyGatewayStatus("pk-1", StatusCanceled, "", nil, "", testNow)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusFailed, p.Status)
}

func TestApplyGatewayStatus_DoneToCanceledRefunds(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-1"))
	require.NoError(t, p.Approve("CARD", testNow))

	changed, err := p.ApplyGatewayStatus("pk-1", StatusCanceled, "CARD", nil, "refunded", testNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusCanceled, p.Status)
	assert.Equal(t, "refunded", p.CancelReason)
}

func TestApplyGatewayStatus_InProgressNotAuthoritative(t *testing.T) {
	p := newReadyPayment()
	require.NoError(t, p.BeginConfirm("pk-1"))

	changed, err := p.ApplyGatewayStatus("pk-1", StatusInProgress, "", nil, "", testNow)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusInProgress, p.Status)
}

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]Status{
		"DONE":                StatusDone,
		"CANCELED":            StatusCanceled,
		"PARTIAL_CANCELED":    StatusCanceled,
		"ABORTED":             StatusFailed,
		"EXPIRED":             StatusFailed,
		"WAITING_FOR_DEPOSIT": StatusInProgress,
	}
	for gw, want := range cases {
		got, ok := MapGatewayStatus(gw)
		require.True(t, ok, gw)
		assert.Equal(t, want, got, gw)
	}

	_, ok := MapGatewayStatus("SOMETHING_ELSE")
	assert.False(t, ok)
}
