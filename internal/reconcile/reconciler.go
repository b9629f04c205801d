// Package reconcile repairs payment state left inconsistent by crashes or
// lost gateway responses. A periodic sweep re-synchronizes stuck
// confirmations with the gateway's authoritative state and cancels
// checkouts the buyer abandoned before ever reaching the gateway.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/droplabs/market/internal/domain/payment"
	"github.com/droplabs/market/internal/gateway"
)

const abandonedReason = "abandoned"

// Config controls sweep timing.
type Config struct {
	// Interval between scheduler ticks.
	Interval time.Duration
	// StuckAfter is how long a payment may sit IN_PROGRESS before the
	// stuck-confirmation sweep queries the gateway for it.
	StuckAfter time.Duration
	// AbandonAfter is how long a payment may sit READY before the
	// abandoned-checkout sweep cancels it.
	AbandonAfter time.Duration
}

// Reconciler runs the two sweeps on a fixed interval. A tick that fires
// while the previous run is still going is skipped: sweeps never overlap.
type Reconciler struct {
	cfg      Config
	payments payment.Repository
	gateway  gateway.Client
	now      func() time.Time

	running  atomic.Bool
	repaired metric.Int64Counter
}

// New creates a Reconciler.
func New(cfg Config, payments payment.Repository, gw gateway.Client, meter metric.Meter) (*Reconciler, error) {
	repaired, err := meter.Int64Counter("market.payments.reconciled",
		metric.WithDescription("Payments repaired by the reconciliation sweep"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return &Reconciler{
		cfg:      cfg,
		payments: payments,
		gateway:  gw,
		now:      time.Now,
		repaired: repaired,
	}, nil
}

// Run ticks until ctx is done. It always returns ctx.Err().
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	zctx.From(ctx).Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("stuck_after", r.cfg.StuckAfter),
		zap.Duration("abandon_after", r.cfg.AbandonAfter),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes both sweeps, unless a previous run is still in flight,
// in which case it returns immediately. Every payment update inside a
// sweep is independently idempotent, so re-running after a crash mid-sweep
// is safe.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		zctx.From(ctx).Debug("reconciler tick skipped, previous run still going")
		return
	}
	defer r.running.Store(false)

	r.sweepStuck(ctx)
	r.sweepAbandoned(ctx)
}

// sweepStuck handles payments that entered IN_PROGRESS but never reached a
// terminal state, typically because the process died or the gateway
// response was lost mid-confirm. The gateway is authoritative: DONE applies
// the approval, failure statuses mark the payment FAILED, and a payment the
// gateway still reports in flight is left for a later tick. One record's
// failure never aborts the sweep for the others.
func (r *Reconciler) sweepStuck(ctx context.Context) {
	lg := zctx.From(ctx).With(zap.String("sweep", "stuck_confirmations"))

	cutoff := r.now().Add(-r.cfg.StuckAfter)
	stuck, err := r.payments.ListInProgressBefore(ctx, cutoff)
	if err != nil {
		lg.Error("list stuck payments", zap.Error(err))
		return
	}

	for i := range stuck {
		p := &stuck[i]
		if err := r.repairStuck(ctx, p); err != nil {
			// Leave this record unchanged, try again next tick.
			lg.Warn("repair stuck payment",
				zap.String("payment_id", p.ID),
				zap.Error(err),
			)
		}
	}
}

func (r *Reconciler) repairStuck(ctx context.Context, p *payment.Payment) error {
	info, err := r.gateway.Query(ctx, p.PaymentKey)
	if err != nil {
		return err
	}

	target, ok := payment.MapGatewayStatus(info.Status)
	if !ok {
		return errors.Errorf("unknown gateway status %q", info.Status)
	}

	prev := p.Status
	changed, err := p.ApplyGatewayStatus(p.PaymentKey, target, payment.Method(info.Method), info.ApprovedAt, "reported "+info.Status+" by gateway", r.now())
	if err != nil {
		return err
	}
	if !changed {
		return nil // gateway still reports it in flight
	}

	if err := r.payments.Update(ctx, p, prev); err != nil {
		if errors.Is(err, payment.ErrStaleUpdate) {
			return nil // a live flow settled it first, nothing to do
		}
		return err
	}

	r.repaired.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", "stuck"), attribute.String("status", string(p.Status))))
	zctx.From(ctx).Info("repaired stuck payment",
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
	)
	return nil
}

// sweepAbandoned cancels payments still READY after the abandonment window.
// These never reached the gateway (no payment key was ever set), so no
// gateway call is made.
func (r *Reconciler) sweepAbandoned(ctx context.Context) {
	lg := zctx.From(ctx).With(zap.String("sweep", "abandoned_checkouts"))

	cutoff := r.now().Add(-r.cfg.AbandonAfter)
	abandoned, err := r.payments.ListReadyBefore(ctx, cutoff)
	if err != nil {
		lg.Error("list abandoned payments", zap.Error(err))
		return
	}

	for i := range abandoned {
		p := &abandoned[i]
		if err := p.Cancel(abandonedReason, r.now()); err != nil {
			lg.Warn("cancel abandoned payment", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		if err := r.payments.Update(ctx, p, payment.StatusReady); err != nil {
			if errors.Is(err, payment.ErrStaleUpdate) {
				continue // a live confirm beat us to it
			}
			lg.Warn("persist abandoned cancellation", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		r.repaired.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", "abandoned")))
	}
}
