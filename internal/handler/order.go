package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/droplabs/market/internal/domain/order"
)

type orderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type createOrderRequest struct {
	UserID    string             `json:"userId"`
	UserEmail string             `json:"userEmail"`
	Items     []orderItemRequest `json:"items"`
}

type orderItemResponse struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
	Price     string `json:"price"`
}

type orderResponse struct {
	ID         string              `json:"id"`
	OrderKey   string              `json:"orderKey"`
	UserID     string              `json:"userId"`
	TotalPrice string              `json:"totalPrice"`
	CreatedAt  string              `json:"createdAt"`
	Items      []orderItemResponse `json:"items"`
}

type createOrderResponse struct {
	Order   orderResponse   `json:"order"`
	Payment paymentResponse `json:"payment"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}

	items := make([]order.ItemRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.ItemRequest{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	res, err := h.orders.Create(r.Context(), order.CreateRequest{
		UserID:    req.UserID,
		UserEmail: req.UserEmail,
		Items:     items,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Order:   toOrderResponse(res.Order),
		Payment: toPaymentResponse(res.Payment),
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orderReads.GetByID(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func toOrderResponse(o *order.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemResponse{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price.String(),
		}
	}
	return orderResponse{
		ID:         o.ID,
		OrderKey:   o.OrderKey,
		UserID:     o.UserID,
		TotalPrice: o.TotalPrice.String(),
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
		Items:      items,
	}
}
