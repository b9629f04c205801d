package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/droplabs/market/internal/events"
	"github.com/droplabs/market/internal/gateway"
)

// ErrOrderNotFound is returned when a confirm call references an unknown
// gateway order key.
var ErrOrderNotFound = errors.New("order not found")

// OrderRef is the slice of an order the payment flows need.
type OrderRef struct {
	ID         string
	UserID     string
	OrderKey   string
	TotalPrice decimal.Decimal
	Items      []OrderLine
}

// OrderLine is one purchased product inside an OrderRef.
type OrderLine struct {
	ProductID string
	Quantity  int64
}

// Orders looks up order details for payment flows.
type Orders interface {
	ByID(ctx context.Context, id string) (*OrderRef, error)
	ByOrderKey(ctx context.Context, orderKey string) (*OrderRef, error)
}

// Popularity is the best-effort purchase ranking collaborator. Failures are
// swallowed and logged, never rolled into the payment outcome.
type Popularity interface {
	IncrementPurchaseCount(ctx context.Context, productID string, quantity int64) error
	EvictPopularList(ctx context.Context) error
}

// Service drives the payment lifecycle against the gateway: confirmation,
// cancellation, status refresh, and webhook ingestion. All state changes go
// through the pure transitions in state.go and are persisted with a
// status-guarded update.
type Service struct {
	orders     Orders
	payments   Repository
	gateway    gateway.Client
	popularity Popularity
	events     events.Publisher
	now        func() time.Time
}

// NewService creates a payment Service.
func NewService(
	orders Orders,
	payments Repository,
	gw gateway.Client,
	popularity Popularity,
	publisher events.Publisher,
) *Service {
	return &Service{
		orders:     orders,
		payments:   payments,
		gateway:    gw,
		popularity: popularity,
		events:     publisher,
		now:        time.Now,
	}
}

// Confirm finalizes a payment the buyer authorized at the gateway checkout.
// The amount is verified against the order total before any state mutation,
// and the payment is moved to IN_PROGRESS (persisted) before the blocking
// gateway call. Any failure from the gateway call onwards quarantines the
// payment in FAILED with a captured reason before the error is re-raised.
func (s *Service) Confirm(ctx context.Context, orderKey, paymentKey string, amount decimal.Decimal) (*Payment, error) {
	o, err := s.orders.ByOrderKey(ctx, orderKey)
	if err != nil {
		return nil, err
	}

	if !amount.Equal(o.TotalPrice) {
		return nil, &AmountMismatchError{Expected: o.TotalPrice, Actual: amount}
	}

	p, err := s.payments.GetByOrderID(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	if err := p.BeginConfirm(paymentKey); err != nil {
		return nil, err
	}
	if err := s.payments.Update(ctx, p, StatusReady); err != nil {
		return nil, errors.Wrap(err, "persist in-progress")
	}

	conf, err := s.gateway.Confirm(ctx, paymentKey, orderKey, amount)
	if err != nil {
		s.quarantine(ctx, p, err.Error())
		return nil, err
	}

	if err := s.applyConfirmation(ctx, p, conf); err != nil {
		s.quarantine(ctx, p, err.Error())
		return nil, &gateway.Error{Op: "confirm", Err: err}
	}

	s.triggerSideEffects(ctx, p, o)

	return p, nil
}

// applyConfirmation applies the gateway's reported method, status, and
// approval time and persists the DONE transition.
func (s *Service) applyConfirmation(ctx context.Context, p *Payment, conf *gateway.Confirmation) error {
	target, ok := MapGatewayStatus(conf.Status)
	if !ok {
		return errors.Errorf("unknown gateway status %q", conf.Status)
	}
	if target != StatusDone {
		return errors.Errorf("gateway confirmed with non-terminal status %q", conf.Status)
	}

	approvedAt := conf.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = s.now()
	}
	if err := p.Approve(Method(conf.Method), approvedAt); err != nil {
		return err
	}
	if err := s.payments.Update(ctx, p, StatusInProgress); err != nil {
		return errors.Wrap(err, "persist approval")
	}
	return nil
}

// quarantine marks the payment FAILED so stored state never silently
// diverges from what the caller was told. Persistence here is best-effort:
// a conflicting concurrent write means someone else already settled it.
func (s *Service) quarantine(ctx context.Context, p *Payment, reason string) {
	if p.Status != StatusInProgress {
		return
	}
	if err := p.Fail(reason); err != nil {
		return
	}
	if err := s.payments.Update(ctx, p, StatusInProgress); err != nil {
		zctx.From(ctx).Error("persist failed payment",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
}

// triggerSideEffects runs the best-effort post-approval collaborators.
// Failures are logged and swallowed; they never roll back the payment.
func (s *Service) triggerSideEffects(ctx context.Context, p *Payment, o *OrderRef) {
	lg := zctx.From(ctx)

	for _, line := range o.Items {
		if err := s.popularity.IncrementPurchaseCount(ctx, line.ProductID, line.Quantity); err != nil {
			lg.Warn("increment purchase count",
				zap.String("product_id", line.ProductID),
				zap.Error(err),
			)
		}
	}
	if err := s.popularity.EvictPopularList(ctx); err != nil {
		lg.Warn("evict popular list", zap.Error(err))
	}

	approvedAt := s.now()
	if p.ApprovedAt != nil {
		approvedAt = *p.ApprovedAt
	}
	err := s.events.Publish(ctx, events.PaymentCompleted{
		PaymentID:  p.ID,
		OrderID:    p.OrderID,
		UserID:     p.UserID,
		Amount:     p.Amount.String(),
		Method:     string(p.Method),
		ApprovedAt: approvedAt,
	})
	if err != nil {
		lg.Warn("publish payment.completed", zap.String("payment_id", p.ID), zap.Error(err))
	}
}

// Cancel cancels a payment. A READY payment is an abandoned checkout that
// never reached the gateway, so it cancels locally with no gateway call. A
// DONE payment is refunded: the gateway cancel must succeed before any
// local mutation. Other states are not cancelable.
func (s *Service) Cancel(ctx context.Context, paymentID, reason string) (*Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusReady:
		if err := p.Cancel(reason, s.now()); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, p, StatusReady); err != nil {
			return nil, errors.Wrap(err, "persist cancellation")
		}
		return p, nil

	case StatusDone:
		res, err := s.gateway.Cancel(ctx, p.PaymentKey, reason)
		if err != nil {
			return nil, err
		}
		if err := p.Cancel(reason, res.CanceledAt); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, p, StatusDone); err != nil {
			return nil, errors.Wrap(err, "persist refund")
		}
		return p, nil

	default:
		return nil, errors.Wrapf(ErrNotCancelable, "status %s", p.Status)
	}
}

// RefreshStatus queries the gateway for the payment's current status and
// converges local state onto it. This read path is best-effort: gateway or
// persistence failures are swallowed and the last known local state is
// returned.
func (s *Service) RefreshStatus(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.PaymentKey == "" {
		return p, nil // never reached the gateway, nothing to refresh
	}

	lg := zctx.From(ctx).With(zap.String("payment_id", p.ID))

	info, err := s.gateway.Query(ctx, p.PaymentKey)
	if err != nil {
		lg.Debug("gateway query failed, returning local status", zap.Error(err))
		return p, nil
	}

	target, ok := MapGatewayStatus(info.Status)
	if !ok {
		lg.Warn("unknown gateway status", zap.String("status", info.Status))
		return p, nil
	}

	prev := p.Status
	changed, err := p.ApplyGatewayStatus(p.PaymentKey, target, Method(info.Method), info.ApprovedAt, "", s.now())
	if err != nil || !changed {
		return p, nil
	}
	if err := s.payments.Update(ctx, p, prev); err != nil {
		lg.Debug("concurrent update during refresh", zap.Error(err))
	}
	return p, nil
}

// WebhookEvent is the inbound gateway notification payload.
type WebhookEvent struct {
	EventType string         `json:"eventType"`
	Data      WebhookPayment `json:"data"`
}

// WebhookPayment is the payment snapshot inside a webhook event.
type WebhookPayment struct {
	PaymentKey string     `json:"paymentKey"`
	Status     string     `json:"status"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
}

// HandleWebhook ingests a gateway status notification. It is idempotent by
// construction: the incoming status is only applied when it differs from
// the stored one. If no payment is known for the key, the gateway is
// queried out of band and a payment is reconstructed before proceeding.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	target, ok := MapGatewayStatus(ev.Data.Status)
	if !ok {
		return errors.Errorf("unknown gateway status %q", ev.Data.Status)
	}

	p, err := s.payments.GetByPaymentKey(ctx, ev.Data.PaymentKey)
	if errors.Is(err, ErrNotFound) {
		p, err = s.reconstruct(ctx, ev.Data.PaymentKey)
	}
	if err != nil {
		return err
	}

	prev := p.Status
	changed, err := p.ApplyGatewayStatus(ev.Data.PaymentKey, target, p.Method, ev.Data.ApprovedAt, "", s.now())
	if err != nil {
		return errors.Wrapf(err, "apply webhook status %s", ev.Data.Status)
	}
	if !changed {
		return nil
	}
	if err := s.payments.Update(ctx, p, prev); err != nil {
		return errors.Wrap(err, "persist webhook update")
	}

	zctx.From(ctx).Info("webhook applied",
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
	)
	return nil
}

// reconstruct resolves a webhook whose payment key this process never
// persisted. The order usually still has the payment created at order time:
// the key was simply never recorded because the confirm response was lost.
// That row is converged in place; a fresh row is inserted only when the
// order truly has no payment (a crash before the initial write).
func (s *Service) reconstruct(ctx context.Context, paymentKey string) (*Payment, error) {
	info, err := s.gateway.Query(ctx, paymentKey)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruction query")
	}

	o, err := s.orders.ByOrderKey(ctx, info.OrderKey)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruction order lookup")
	}

	status, ok := MapGatewayStatus(info.Status)
	if !ok {
		return nil, errors.Errorf("unknown gateway status %q", info.Status)
	}

	p, err := s.payments.GetByOrderID(ctx, o.ID)
	switch {
	case err == nil:
		prev := p.Status
		changed, err := p.ApplyGatewayStatus(paymentKey, status, Method(info.Method), info.ApprovedAt, "", s.now())
		if err != nil {
			return nil, errors.Wrap(err, "converge existing payment")
		}
		if changed {
			if err := s.payments.Update(ctx, p, prev); err != nil {
				return nil, errors.Wrap(err, "persist converged payment")
			}
		}
		zctx.From(ctx).Info("recorded gateway key on existing payment",
			zap.String("payment_id", p.ID),
			zap.String("payment_key", paymentKey),
			zap.String("status", string(p.Status)),
		)
		return p, nil
	case !errors.Is(err, ErrNotFound):
		return nil, errors.Wrap(err, "reconstruction payment lookup")
	}

	p = New(o.ID, o.UserID, info.TotalAmount, s.now())
	p.PaymentKey = paymentKey
	p.Status = status
	p.Method = Method(info.Method)
	p.ApprovedAt = info.ApprovedAt

	if err := s.payments.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "persist reconstructed payment")
	}

	zctx.From(ctx).Info("reconstructed payment from gateway",
		zap.String("payment_id", p.ID),
		zap.String("payment_key", paymentKey),
		zap.String("status", string(p.Status)),
	)
	return p, nil
}
