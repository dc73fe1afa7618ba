package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	errskit "circlesmarket/errs"
	"circlesmarket/market/basket"
	"circlesmarket/market/cart"
	"circlesmarket/market/ids"
	"circlesmarket/market/schema"
)

const maxRequestBody = 1 << 20

func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return errskit.Wrap(errskit.KindInvalid, "read request body", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errskit.Wrap(errskit.KindInvalid, "malformed JSON body", err)
	}
	return nil
}

type createBasketRequest struct {
	Operator string `json:"operator"`
	Buyer    string `json:"buyer"`
	ChainID  int64  `json:"chainId"`
}

func (s *Server) handleCreateBasket(w http.ResponseWriter, r *http.Request) {
	var req createBasketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	operator := req.Operator
	if operator == "" {
		operator = s.operator
	}
	if operator != "" {
		normalized, err := ids.NormalizeAddress(operator)
		if err != nil {
			writeError(w, s.logger, errskit.Newf(errskit.KindInvalid, "malformed operator address %q", req.Operator))
			return
		}
		operator = normalized
	}
	buyer := req.Buyer
	if buyer != "" {
		normalized, err := ids.NormalizeAddress(buyer)
		if err != nil {
			writeError(w, s.logger, errskit.Newf(errskit.KindInvalid, "malformed buyer address %q", req.Buyer))
			return
		}
		buyer = normalized
	}
	b, err := s.baskets.Create(r.Context(), operator, buyer, req.ChainID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeLD(w, http.StatusOK, b)
}

// loadBasket resolves the id to a live basket, translating missing and
// expired into their boundary statuses.
func (s *Server) loadBasket(r *http.Request) (*schema.Basket, error) {
	id := chi.URLParam(r, "basketID")
	if !ids.ValidBasketID(id) {
		return nil, errskit.Newf(errskit.KindInvalid, "malformed basket id %q", id)
	}
	b, expired, err := s.baskets.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errskit.Newf(errskit.KindNotFound, "basket %s not found", id)
	}
	if expired {
		return nil, errskit.Newf(errskit.KindGone, "basket %s expired", id)
	}
	return b, nil
}

func (s *Server) handleGetBasket(w http.ResponseWriter, r *http.Request) {
	b, err := s.loadBasket(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeLD(w, http.StatusOK, b)
}

// patchWhitelist is the closed set of client-writable top-level fields.
var patchWhitelist = map[string]struct{}{
	"items":           {},
	"customer":        {},
	"shippingAddress": {},
	"billingAddress":  {},
	"ageProof":        {},
	"contactPoint":    {},
	"ttlSeconds":      {},
}

// applyPatch merges whitelisted fields into the working basket. Server-owned
// line fields from the client are discarded.
func applyPatch(work *schema.Basket, fields map[string]json.RawMessage) error {
	for key := range fields {
		if _, ok := patchWhitelist[key]; !ok {
			return errskit.Newf(errskit.KindInvalid, "unknown field %q", key)
		}
	}
	if raw, ok := fields["items"]; ok {
		var items []schema.BasketItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return errskit.Wrap(errskit.KindInvalid, "malformed items", err)
		}
		if len(items) > basket.MaxItems {
			return errskit.Newf(errskit.KindInvalid, "items length %d exceeds %d", len(items), basket.MaxItems)
		}
		for i := range items {
			if items[i].OrderQuantity < basket.MinOrderQuantity || items[i].OrderQuantity > basket.MaxOrderQuantity {
				return errskit.Newf(errskit.KindInvalid,
					"items[%d].orderQuantity %d outside [%d, %d]",
					i, items[i].OrderQuantity, basket.MinOrderQuantity, basket.MaxOrderQuantity)
			}
			items[i].ProductCID = ""
			items[i].OfferSnapshot = nil
		}
		work.Items = items
	}
	if err := patchOptional(fields, "customer", &work.Customer); err != nil {
		return err
	}
	if err := patchOptional(fields, "shippingAddress", &work.ShippingAddress); err != nil {
		return err
	}
	if err := patchOptional(fields, "billingAddress", &work.BillingAddress); err != nil {
		return err
	}
	if err := patchOptional(fields, "ageProof", &work.AgeProof); err != nil {
		return err
	}
	if err := patchOptional(fields, "contactPoint", &work.ContactPoint); err != nil {
		return err
	}
	if raw, ok := fields["ttlSeconds"]; ok {
		var ttl int64
		if err := json.Unmarshal(raw, &ttl); err != nil {
			return errskit.Wrap(errskit.KindInvalid, "malformed ttlSeconds", err)
		}
		// Zero means "unset" in stored state; an explicit zero in the patch
		// body is out of range.
		if ttl == 0 {
			return errskit.Newf(errskit.KindInvalid,
				"ttlSeconds %d outside [%d, %d]", ttl, basket.MinTTLSeconds, basket.MaxTTLSeconds)
		}
		if _, err := basket.ClampTTL(ttl); err != nil {
			return err
		}
		work.TTLSeconds = ttl
	}
	return nil
}

// patchOptional sets a pointer slot from the payload; JSON null clears it.
func patchOptional[T any](fields map[string]json.RawMessage, key string, slot **T) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if string(raw) == "null" {
		*slot = nil
		return nil
	}
	value := new(T)
	if err := json.Unmarshal(raw, value); err != nil {
		return errskit.Newf(errskit.KindInvalid, "malformed %s", key)
	}
	*slot = value
	return nil
}

// mergeAndCanonicalize applies the patch to a clone and canonicalizes it
// outside any basket lock.
func (s *Server) mergeAndCanonicalize(r *http.Request, fields map[string]json.RawMessage) (*schema.Basket, error) {
	b, err := s.loadBasket(r)
	if err != nil {
		return nil, err
	}
	if b.Status == schema.BasketCheckedOut {
		return nil, errskit.Newf(errskit.KindConflict, "basket %s already checked out", b.BasketID)
	}
	if fields != nil {
		if err := applyPatch(b, fields); err != nil {
			return nil, err
		}
	}
	if err := s.canon.Canonicalize(r.Context(), b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Server) persistPatched(r *http.Request, work *schema.Basket, status string) (*schema.Basket, error) {
	return s.baskets.Patch(r.Context(), work.BasketID, func(b *schema.Basket) error {
		b.Items = work.Items
		b.Customer = work.Customer
		b.ShippingAddress = work.ShippingAddress
		b.BillingAddress = work.BillingAddress
		b.AgeProof = work.AgeProof
		b.ContactPoint = work.ContactPoint
		b.TTLSeconds = work.TTLSeconds
		if status != "" {
			b.Status = status
		}
		return nil
	})
}

func (s *Server) handlePatchBasket(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := decodeBody(r, &fields); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	work, err := s.mergeAndCanonicalize(r, fields)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	updated, err := s.persistPatched(r, work, "")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeLD(w, http.StatusOK, updated)
}

func (s *Server) handleValidateBasket(w http.ResponseWriter, r *http.Request) {
	work, err := s.mergeAndCanonicalize(r, nil)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	result := cart.Validate(work)
	status := schema.BasketValidating
	if result.Valid {
		status = schema.BasketValid
	}
	if _, err := s.persistPatched(r, work, status); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeLD(w, http.StatusOK, result)
}

func (s *Server) handlePreviewBasket(w http.ResponseWriter, r *http.Request) {
	work, err := s.mergeAndCanonicalize(r, nil)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	result := cart.Validate(work)
	if !result.Valid {
		writeError(w, s.logger, errskit.New(errskit.KindUnprocessable, "basket is not valid").
			WithDetail("missing", result.Missing))
		return
	}
	order, err := s.composeOrder(work)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeLD(w, http.StatusOK, order)
}

// composeOrder mints a non-persisted order snapshot from a canonicalized
// basket. Every line must carry a server-built offer snapshot.
func (s *Server) composeOrder(b *schema.Basket) (*schema.Order, error) {
	if len(b.Items) == 0 {
		return nil, errskit.New(errskit.KindUnprocessable, "basket has no items")
	}
	order := &schema.Order{
		Context:          schema.NewBasketContext(),
		Type:             "Order",
		OrderID:          ids.NewOrderID(),
		BasketID:         b.BasketID,
		PaymentReference: ids.NewPaymentReference(),
		OrderStatus:      schema.StatusPaymentDue,
		OrderDate:        time.Now().UTC().Truncate(time.Second),
		ShippingAddress:  b.ShippingAddress,
		BillingAddress:   b.BillingAddress,
		ContactPoint:     b.ContactPoint,
	}
	if b.Operator != "" {
		order.Broker = &schema.IDRef{ID: ids.SellerID(b.ChainID, b.Operator)}
	}
	if b.Buyer != "" || b.Customer != nil {
		customer := &schema.Person{Type: "Person"}
		if b.Customer != nil {
			customer.Name = b.Customer.Name
			customer.Email = b.Customer.Email
			customer.Telephone = b.Customer.Telephone
		}
		if b.Buyer != "" {
			customer.ID = ids.SellerID(b.ChainID, b.Buyer)
		}
		order.Customer = customer
	}
	total := decimal.Zero
	currency := ""
	for i, item := range b.Items {
		if item.OfferSnapshot == nil {
			return nil, errskit.Newf(errskit.KindUnprocessable, "line %d has no canonical offer", i)
		}
		order.AcceptedOffer = append(order.AcceptedOffer, *item.OfferSnapshot)
		order.OrderedItem = append(order.OrderedItem, schema.OrderLine{
			Type:          "OrderItem",
			OrderQuantity: item.OrderQuantity,
			OrderedItem:   item.OrderedItem,
		})
		total = total.Add(item.OfferSnapshot.Price.Mul(decimal.NewFromInt(item.OrderQuantity)))
		if currency == "" {
			currency = item.OfferSnapshot.PriceCurrency
		}
	}
	order.TotalPaymentDue = &schema.PriceSpecification{
		Type:          "PriceSpecification",
		Price:         total,
		PriceCurrency: currency,
	}
	return order, nil
}

type checkoutResponse struct {
	OrderID          string `json:"orderId"`
	PaymentReference string `json:"paymentReference"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	work, err := s.mergeAndCanonicalize(r, nil)
	if err != nil {
		// A known-sold one-off at checkout is a conflict, not a shape error.
		if details := errskit.DetailsOf(err); details != nil && details["reason"] == "oneOffAlreadySold" {
			writeError(w, s.logger, errskit.New(errskit.KindConflict, "one-off already sold").WithDetails(details))
			return
		}
		writeError(w, s.logger, err)
		return
	}
	result := cart.Validate(work)
	if !result.Valid {
		writeError(w, s.logger, errskit.New(errskit.KindUnprocessable, "basket is not valid").
			WithDetail("missing", result.Missing))
		return
	}
	order, err := s.composeOrder(work)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	// Persist the canonical lines so the freeze captures them, then freeze
	// optimistically on the resulting version.
	persisted, err := s.persistPatched(r, work, schema.BasketValid)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	frozen, err := s.baskets.TryFreezeAndRead(r.Context(), persisted.BasketID, &persisted.Version)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if frozen == nil {
		writeError(w, s.logger, errskit.Newf(errskit.KindConflict,
			"basket %s checked out concurrently", persisted.BasketID))
		return
	}
	if err := s.orders.Create(r.Context(), order); err != nil {
		if errskit.KindOf(err) == errskit.KindConflict {
			// One-off collision: release the basket so the buyer can retry
			// with different items.
			if unfreezeErr := s.baskets.Unfreeze(r.Context(), persisted.BasketID); unfreezeErr != nil {
				s.logger.Error("unfreeze after collision failed",
					"basketId", persisted.BasketID, "err", unfreezeErr)
			}
			s.canon.Invalidate(persisted.BasketID)
		}
		writeError(w, s.logger, err)
		return
	}
	writeLD(w, http.StatusCreated, checkoutResponse{
		OrderID:          order.OrderID,
		PaymentReference: order.PaymentReference,
	})
}
