package payment

import (
	"time"

	"github.com/go-faster/errors"
)

// statusFromGateway is the single canonical mapping from gateway status
// strings to local payment statuses. Webhooks, status queries, and the
// reconciliation sweep all go through this table.
var statusFromGateway = map[string]Status{
	"READY":               StatusReady,
	"IN_PROGRESS":         StatusInProgress,
	"WAITING_FOR_DEPOSIT": StatusInProgress,
	"DONE":                StatusDone,
	"CANCELED":            StatusCanceled,
	"PARTIAL_CANCELED":    StatusCanceled,
	"ABORTED":             StatusFailed,
	"EXPIRED":             StatusFailed,
}

// MapGatewayStatus translates a gateway status string into a local Status.
func MapGatewayStatus(s string) (Status, bool) {
	st, ok := statusFromGateway[s]
	return st, ok
}

// ApplyGatewayStatus converges the payment onto the status the gateway
// reports. It returns false when the payment already matches and there is
// nothing to do, which makes webhook redelivery and repeated reconciliation
// passes idempotent. The gateway is authoritative for DONE, FAILED and
// CANCELED; READY and IN_PROGRESS reports never move the payment backwards.
func (p *Payment) ApplyGatewayStatus(paymentKey string, target Status, method Method, approvedAt *time.Time, reason string, now time.Time) (bool, error) {
	if p.Status == target {
		return false, nil
	}

	switch target {
	case StatusDone:
		if p.Status == StatusReady {
			if err := p.BeginConfirm(paymentKey); err != nil {
				return false, err
			}
		}
		at := now
		if approvedAt != nil {
			at = *approvedAt
		}
		if err := p.Approve(method, at); err != nil {
			return false, err
		}
		return true, nil

	case StatusFailed:
		if p.Status == StatusReady {
			if err := p.BeginConfirm(paymentKey); err != nil {
				return false, err
			}
		}
		if reason == "" {
			reason = "reported failed by gateway"
		}
		if err := p.Fail(reason); err != nil {
			return false, err
		}
		return true, nil

	case StatusCanceled:
		if reason == "" {
			reason = "canceled at gateway"
		}
		switch p.Status {
		case StatusInProgress:
			// A confirmation the provider settled as canceled (refund issued
			// out of band) has no local DONE to refund from; it lands in
			// FAILED with the reported reason.
			if err := p.Fail(reason); err != nil {
				return false, err
			}
			return true, nil
		case StatusFailed:
			// Already settled as a failure; a redelivered cancellation
			// carries no new information.
			return false, nil
		default:
			if err := p.Cancel(reason, now); err != nil {
				return false, err
			}
			return true, nil
		}

	case StatusReady, StatusInProgress:
		// Not authoritative: the gateway has simply not progressed yet.
		return false, nil

	default:
		return false, errors.Errorf("unknown target status %q", target)
	}
}
