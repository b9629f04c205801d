package payment

import (
	"time"

	"github.com/go-faster/errors"
)

// Transition rules:
//
//	READY ──► IN_PROGRESS ──► DONE ──► CANCELED (refund)
//	  │            └────────► FAILED
//	  └─────► CANCELED (abandoned, no gateway key)
//
// DONE, FAILED and CANCELED are terminal except for the single refund edge.
// Every transition below is a pure function of the receiver and its
// arguments; persistence and gateway I/O live in Service.

// BeginConfirm moves READY to IN_PROGRESS and records the gateway payment
// key. A payment already in DONE fails with ErrAlreadyConfirmed so callers
// can report an idempotent double confirm distinctly from other conflicts.
func (p *Payment) BeginConfirm(paymentKey string) error {
	switch p.Status {
	case StatusReady:
		p.Status = StatusInProgress
		p.PaymentKey = paymentKey
		return nil
	case StatusDone:
		return ErrAlreadyConfirmed
	default:
		return errors.Wrapf(ErrInvalidState, "confirm from %s", p.Status)
	}
}

// Approve moves IN_PROGRESS to DONE with the gateway-reported method and
// approval time.
func (p *Payment) Approve(method Method, approvedAt time.Time) error {
	if p.Status != StatusInProgress {
		return errors.Wrapf(ErrInvalidState, "approve from %s", p.Status)
	}
	p.Status = StatusDone
	p.Method = method
	p.ApprovedAt = &approvedAt
	p.FailureReason = ""
	return nil
}

// Fail moves IN_PROGRESS to FAILED with a captured reason.
func (p *Payment) Fail(reason string) error {
	if p.Status != StatusInProgress {
		return errors.Wrapf(ErrInvalidState, "fail from %s", p.Status)
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	return nil
}

// Cancel moves READY (abandonment) or DONE (refund) to CANCELED. The READY
// edge requires that no gateway key was ever set: such a payment was never
// attempted, so no gateway call is needed or allowed. For the DONE edge the
// caller must have already obtained a successful gateway cancellation.
func (p *Payment) Cancel(reason string, canceledAt time.Time) error {
	switch p.Status {
	case StatusReady:
		if p.PaymentKey != "" {
			return errors.Wrap(ErrNotCancelable, "ready payment has a gateway key")
		}
	case StatusDone:
	default:
		return errors.Wrapf(ErrNotCancelable, "cancel from %s", p.Status)
	}
	p.Status = StatusCanceled
	p.CanceledAt = &canceledAt
	p.CancelReason = reason
	return nil
}

// Cancelable reports whether Cancel would currently be permitted.
func (p *Payment) Cancelable() bool {
	return (p.Status == StatusReady && p.PaymentKey == "") || p.Status == StatusDone
}
