// Package handler exposes the HTTP API: order placement, payment
// confirmation and cancellation, gateway webhooks, and the product catalog.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/droplabs/market/internal/domain/order"
	"github.com/droplabs/market/internal/domain/payment"
	"github.com/droplabs/market/internal/domain/product"
	"github.com/droplabs/market/internal/gateway"
	"github.com/droplabs/market/internal/lock"
	"github.com/droplabs/market/internal/popularity"
)

// Handler wires the HTTP surface to the domain services.
type Handler struct {
	orders     *order.Facade
	orderReads order.Repository
	payments   *payment.Service
	products   product.Repository
	popularity *popularity.Cache
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	orders *order.Facade,
	orderReads order.Repository,
	payments *payment.Service,
	products product.Repository,
	pop *popularity.Cache,
) *Handler {
	return &Handler{
		orders:     orders,
		orderReads: orderReads,
		payments:   payments,
		products:   products,
		popularity: pop,
	}
}

// Register mounts all API routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.listProducts)
		r.Get("/products/popular", h.popularProducts)

		r.Post("/orders", h.createOrder)
		r.Get("/orders/{orderID}", h.getOrder)

		r.Post("/payments/confirm", h.confirmPayment)
		r.Get("/payments/{paymentID}", h.getPayment)
		r.Post("/payments/{paymentID}/cancel", h.cancelPayment)

		r.Post("/webhooks/payments", h.paymentWebhook)
	})
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps domain and infrastructure errors onto HTTP statuses.
// Contention outcomes (lock timeouts, exhausted stock, concurrent updates)
// are conflicts, not faults; gateway failures surface as 502 so callers can
// distinguish them from our own errors.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound     *order.ProductNotFoundError
		insufficient *order.InsufficientStockError
		mismatch     *payment.AmountMismatchError
		gwErr        *gateway.Error
	)

	switch {
	case errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.As(err, &mismatch):
		writeError(w, http.StatusBadRequest, mismatch.Error())

	case errors.As(err, &notFound):
		writeError(w, http.StatusUnprocessableEntity, notFound.Error())

	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, payment.ErrOrderNotFound),
		errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")

	case errors.As(err, &insufficient):
		writeError(w, http.StatusConflict, insufficient.Error())

	case errors.Is(err, lock.ErrTimeout):
		writeError(w, http.StatusConflict, "stock contention, retry the order")

	case errors.Is(err, payment.ErrAlreadyConfirmed),
		errors.Is(err, payment.ErrNotCancelable),
		errors.Is(err, payment.ErrInvalidState),
		errors.Is(err, payment.ErrStaleUpdate):
		writeError(w, http.StatusConflict, err.Error())

	case errors.As(err, &gwErr):
		writeError(w, http.StatusBadGateway, gwErr.Error())

	default:
		zctx.From(r.Context()).Error("unhandled request error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
