package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droplabs/market/internal/domain/payment"
	"github.com/droplabs/market/internal/domain/product"
	"github.com/droplabs/market/internal/events"
)

// ItemRequest is one requested line item. Duplicate product IDs across a
// request stay distinct line items; their decrements are aggregated per
// product before hitting storage.
type ItemRequest struct {
	ProductID string
	Quantity  int64
}

// CreateRequest holds the input for creating an order.
type CreateRequest struct {
	UserID    string
	UserEmail string
	Items     []ItemRequest
}

// CreateResult holds the created order and its payment.
type CreateResult struct {
	Order   *Order
	Payment *payment.Payment
}

// Service builds and persists orders. It must only be invoked through the
// Facade, which holds the per-product stock locks for the duration of
// Create; the service itself performs no locking and no network I/O besides
// storage writes.
type Service struct {
	products product.Repository
	store    Store
	events   events.Publisher
	now      func() time.Time
}

// NewService creates an order Service with the required dependencies.
func NewService(products product.Repository, store Store, publisher events.Publisher) *Service {
	return &Service{
		products: products,
		store:    store,
		events:   publisher,
		now:      time.Now,
	}
}

// Create validates the requested products, verifies stock, computes the
// total, and persists the order together with its initial payment as one
// atomic unit. Zero-total orders skip the gateway entirely: their payment
// is created already approved with the FREE method.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %s", item.ProductID)
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	// Aggregate requested quantities per product so duplicate line items
	// are checked and decremented against the combined amount.
	required := make(map[string]int64, len(req.Items))
	for _, item := range req.Items {
		if _, ok := byID[item.ProductID]; !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		required[item.ProductID] += item.Quantity
	}

	var decrements []StockDecrement
	for _, id := range ids {
		qty, pending := required[id]
		if !pending {
			continue // already handled via an earlier duplicate
		}
		delete(required, id)

		p := byID[id]
		if !p.Stock.HasSufficient(qty) {
			available, _ := p.Stock.Quantity()
			return nil, &InsufficientStockError{
				ProductID: id,
				Requested: qty,
				Available: available,
			}
		}
		if !p.Stock.IsUnlimited() {
			decrements = append(decrements, StockDecrement{ProductID: id, Quantity: qty})
		}
	}

	items := make([]Item, len(req.Items))
	for i, item := range req.Items {
		items[i] = Item{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     byID[item.ProductID].Price,
		}
	}

	now := s.now()
	o := &Order{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		OrderKey:   uuid.New().String(),
		Items:      items,
		TotalPrice: Total(items),
		CreatedAt:  now,
	}

	var pay *payment.Payment
	if o.TotalPrice.IsZero() {
		pay = payment.NewFree(o.ID, req.UserID, now)
	} else {
		pay = payment.New(o.ID, req.UserID, o.TotalPrice, now)
	}

	if err := s.store.CreateOrder(ctx, o, pay, decrements); err != nil {
		return nil, err
	}

	return &CreateResult{Order: o, Payment: pay}, nil
}

// publishCreated emits the order.created event. The Facade calls it after
// the stock locks are released, so broker latency never extends the
// critical section. Delivery is not part of the atomicity guarantee:
// failures are logged and the order stands.
func (s *Service) publishCreated(ctx context.Context, o *Order, userEmail string) {
	evItems := make([]events.OrderCreatedItem, len(o.Items))
	for i, it := range o.Items {
		evItems[i] = events.OrderCreatedItem{
			ProductID: it.ProductID,
			Quantity:  int(it.Quantity),
			Price:     it.Price.String(),
		}
	}

	err := s.events.Publish(ctx, events.OrderCreated{
		OrderID:    o.ID,
		OrderKey:   o.OrderKey,
		UserID:     o.UserID,
		UserEmail:  userEmail,
		TotalPrice: o.TotalPrice.String(),
		Items:      evItems,
	})
	if err != nil {
		zctx.From(ctx).Warn("publish order.created",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}
