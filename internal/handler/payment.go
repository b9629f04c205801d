package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/droplabs/market/internal/domain/payment"
)

type confirmPaymentRequest struct {
	OrderKey   string          `json:"orderKey"`
	PaymentKey string          `json:"paymentKey"`
	Amount     decimal.Decimal `json:"amount"`
}

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

type paymentResponse struct {
	ID            string  `json:"id"`
	OrderID       string  `json:"orderId"`
	Amount        string  `json:"amount"`
	Method        string  `json:"method,omitempty"`
	Status        string  `json:"status"`
	PaymentKey    string  `json:"paymentKey,omitempty"`
	RequestedAt   string  `json:"requestedAt"`
	ApprovedAt    *string `json:"approvedAt,omitempty"`
	CanceledAt    *string `json:"canceledAt,omitempty"`
	CancelReason  string  `json:"cancelReason,omitempty"`
	FailureReason string  `json:"failureReason,omitempty"`
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrderKey == "" || req.PaymentKey == "" {
		writeError(w, http.StatusBadRequest, "orderKey and paymentKey required")
		return
	}

	p, err := h.payments.Confirm(r.Context(), req.OrderKey, req.PaymentKey, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// getPayment refreshes the payment against the gateway before responding, so
// a poll after a lost confirm response still converges on the truth.
func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.RefreshStatus(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	var req cancelPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}

	p, err := h.payments.Cancel(r.Context(), chi.URLParam(r, "paymentID"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var ev payment.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.Data.PaymentKey == "" {
		writeError(w, http.StatusBadRequest, "paymentKey required")
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), ev); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toPaymentResponse(p *payment.Payment) paymentResponse {
	resp := paymentResponse{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Amount:        p.Amount.String(),
		Method:        string(p.Method),
		Status:        string(p.Status),
		PaymentKey:    p.PaymentKey,
		RequestedAt:   p.RequestedAt.UTC().Format(time.RFC3339),
		CancelReason:  p.CancelReason,
		FailureReason: p.FailureReason,
	}
	if p.ApprovedAt != nil {
		s := p.ApprovedAt.UTC().Format(time.RFC3339)
		resp.ApprovedAt = &s
	}
	if p.CanceledAt != nil {
		s := p.CanceledAt.UTC().Format(time.RFC3339)
		resp.CanceledAt = &s
	}
	return resp
}
