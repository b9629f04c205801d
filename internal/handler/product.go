package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/droplabs/market/internal/domain/product"
)

const (
	popularLimit    = 10
	popularCacheTTL = 5 * time.Minute
)

type productResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Category  string `json:"category,omitempty"`
	Unlimited bool   `json:"unlimited"`
	Stock     int64  `json:"stock,omitempty"`
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := make([]productResponse, len(products))
	for i, p := range products {
		resp[i] = toProductResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// popularProducts serves the purchase-ranked listing. The rendered response
// is cached in Redis and evicted whenever a payment completes; cache failures
// degrade to a fresh rebuild rather than an error.
func (h *Handler) popularProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if cached, err := h.popularity.GetPopularList(ctx); err == nil && cached != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(cached))
		return
	}

	ids, err := h.popularity.TopProducts(ctx, popularLimit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := make([]productResponse, 0, len(ids))
	if len(ids) > 0 {
		products, err := h.products.GetByIDs(ctx, ids)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		byID := make(map[string]product.Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}
		// Preserve the ranking order from the sorted set.
		for _, id := range ids {
			if p, ok := byID[id]; ok {
				resp = append(resp, toProductResponse(p))
			}
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.popularity.SetPopularList(ctx, string(body), popularCacheTTL); err != nil {
		zctx.From(ctx).Warn("cache popular list", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func toProductResponse(p product.Product) productResponse {
	resp := productResponse{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price.String(),
		Category:  p.Category,
		Unlimited: p.Stock.IsUnlimited(),
	}
	if qty, ok := p.Stock.Quantity(); ok {
		resp.Stock = qty
	}
	return resp
}
