package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	errskit "circlesmarket/errs"
	"circlesmarket/market/schema"
)

// Access enforces per-caller visibility over stored orders. Buyers see their
// own full order with outbound fulfillment details stripped; sellers see only
// their lines with recomputed totals and no buyer contact surface beyond what
// fulfillment needs.
type Access struct {
	store *Store
}

// NewAccess wraps a store.
func NewAccess(store *Store) *Access {
	return &Access{store: store}
}

// sanitizeForBuyer strips server-internal routing from offers in place.
func sanitizeForBuyer(order *schema.Order) {
	for i := range order.AcceptedOffer {
		order.AcceptedOffer[i].FulfillmentEndpoint = nil
	}
}

// GetForBuyer returns the order when the caller owns it, nil otherwise. A
// missing order and a foreign order are indistinguishable to the caller.
func (a *Access) GetForBuyer(ctx context.Context, orderID, caller string, chainID int64) (*schema.Order, error) {
	caller = strings.ToLower(strings.TrimSpace(caller))
	owner, ownerChain, known, err := a.store.GetOwnerByOrderId(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !known || owner != caller || ownerChain != chainID {
		return nil, nil
	}
	order, err := a.store.Get(ctx, orderID)
	if err != nil || order == nil {
		return nil, err
	}
	sanitizeForBuyer(order)
	return order, nil
}

// ListForBuyer pages through the caller's orders, newest first, sanitized.
func (a *Access) ListForBuyer(ctx context.Context, caller string, chainID int64, page, pageSize int) ([]*schema.Order, error) {
	out, err := a.store.GetByBuyer(ctx, caller, chainID, page, pageSize)
	if err != nil {
		return nil, err
	}
	for _, order := range out {
		sanitizeForBuyer(order)
	}
	return out, nil
}

// SellerOrder is the filtered view a participating seller receives. The
// acceptedOffer and orderedItem arrays keep index parity and cover only the
// caller's lines; totalPaymentDue is recomputed from those lines.
type SellerOrder struct {
	Context          []string                   `json:"@context"`
	Type             string                     `json:"@type"`
	OrderID          string                     `json:"orderId"`
	OrderStatus      string                     `json:"orderStatus"`
	OrderDate        string                     `json:"orderDate"`
	PaymentReference string                     `json:"paymentReference"`
	LineIndices      []int                      `json:"lineIndices"`
	AcceptedOffer    []schema.OfferSnapshot     `json:"acceptedOffer"`
	OrderedItem      []schema.OrderLine         `json:"orderedItem"`
	TotalPaymentDue  *schema.PriceSpecification `json:"totalPaymentDue,omitempty"`
	Customer         *schema.Person             `json:"customer,omitempty"`
	ShippingAddress  *schema.PostalAddress      `json:"shippingAddress,omitempty"`
	ContactPoint     *schema.ContactPoint       `json:"contactPoint,omitempty"`
}

// GetForSeller returns the seller projection when the caller participates in
// the order, nil otherwise. Line totals are recomputed from the caller's
// lines only; the stored order total is never exposed to sellers.
func (a *Access) GetForSeller(ctx context.Context, orderID, caller string, chainID int64) (*SellerOrder, error) {
	caller = strings.ToLower(strings.TrimSpace(caller))
	participates, err := a.store.OrderContainsSeller(ctx, orderID, caller, chainID)
	if err != nil {
		return nil, err
	}
	if !participates {
		return nil, nil
	}
	indices, err := a.store.GetOrderLineIndicesForSeller(ctx, orderID, caller, chainID)
	if err != nil {
		return nil, err
	}
	order, err := a.store.GetInternal(ctx, orderID, false)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	if len(order.AcceptedOffer) != len(order.OrderedItem) {
		return nil, errskit.Newf(errskit.KindInternal,
			"order %s has mismatched offer and line counts", orderID)
	}

	projection := &SellerOrder{
		Context:          schema.NewBasketContext(),
		Type:             "circles:SellerOrder",
		OrderID:          order.OrderID,
		OrderStatus:      order.OrderStatus,
		OrderDate:        order.OrderDate.Format("2006-01-02T15:04:05Z07:00"),
		PaymentReference: order.PaymentReference,
	}
	total := decimal.Zero
	currency := ""
	physical := false
	for _, idx := range indices {
		if idx < 0 || idx >= len(order.OrderedItem) {
			return nil, errskit.Newf(errskit.KindInternal,
				"order %s line index %d out of range", orderID, idx)
		}
		offer := order.AcceptedOffer[idx]
		offer.FulfillmentEndpoint = nil
		line := order.OrderedItem[idx]
		projection.LineIndices = append(projection.LineIndices, idx)
		projection.AcceptedOffer = append(projection.AcceptedOffer, offer)
		projection.OrderedItem = append(projection.OrderedItem, line)
		total = total.Add(offer.Price.Mul(decimal.NewFromInt(line.OrderQuantity)))
		if currency == "" {
			currency = offer.PriceCurrency
		}
		if !downloadOnly(offer.AvailableDeliveryMethod) {
			physical = true
		}
	}
	if len(projection.AcceptedOffer) > 0 {
		projection.TotalPaymentDue = &schema.PriceSpecification{
			Type:          "PriceSpecification",
			Price:         total,
			PriceCurrency: currency,
		}
	}
	// Buyer identity and shipping surface only when the seller ships goods.
	if physical {
		projection.Customer = order.Customer
		projection.ShippingAddress = order.ShippingAddress
		projection.ContactPoint = order.ContactPoint
	}
	return projection, nil
}

// ListForSeller pages through the caller's order ids, newest first.
func (a *Access) ListForSeller(ctx context.Context, caller string, chainID int64, page, pageSize int) ([]*SellerOrder, error) {
	ids, err := a.store.GetOrderIdsBySeller(ctx, caller, chainID, page, pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]*SellerOrder, 0, len(ids))
	for _, id := range ids {
		projection, err := a.GetForSeller(ctx, id, caller, chainID)
		if err != nil {
			return nil, err
		}
		if projection == nil {
			return nil, fmt.Errorf("order %s dropped seller during listing", id)
		}
		out = append(out, projection)
	}
	return out, nil
}

func downloadOnly(methods []string) bool {
	if len(methods) == 0 {
		return false
	}
	for _, m := range methods {
		if m != schema.DeliveryModeDownload {
			return false
		}
	}
	return true
}
