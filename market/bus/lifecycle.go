package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"circlesmarket/market/fulfillment"
	"circlesmarket/market/ids"
	"circlesmarket/market/orders"
	"circlesmarket/market/routes"
	"circlesmarket/market/schema"
)

// Lifecycle reacts to durably recorded order transitions: it publishes
// status events to the buyer and seller buses and dispatches fulfillment
// notifications to adapter endpoints when a line's trigger fires.
type Lifecycle struct {
	buyerBus  *Bus
	sellerBus *Bus
	store     *orders.Store
	access    *orders.Access
	routes    *routes.Store
	client    *fulfillment.Client
	logger    *slog.Logger

	// dispatched dedupes fulfillment per (order, trigger, seller, sku).
	dispatched sync.Map
	wg         sync.WaitGroup
}

// NewLifecycle wires the hooks. client may be nil to disable dispatch.
func NewLifecycle(buyerBus, sellerBus *Bus, store *orders.Store, access *orders.Access, rs *routes.Store, client *fulfillment.Client, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		buyerBus:  buyerBus,
		sellerBus: sellerBus,
		store:     store,
		access:    access,
		routes:    rs,
		client:    client,
		logger:    logger,
	}
}

// Wait blocks until in-flight dispatches finish. Shutdown and test helper.
func (l *Lifecycle) Wait() {
	l.wg.Wait()
}

// OnPaid publishes PaymentDue -> PaymentProcessing and fires "paid" triggers.
func (l *Lifecycle) OnPaid(ctx context.Context, order *schema.Order) {
	l.publish(order, schema.StatusPaymentDue, schema.StatusPaymentProcessing)
	l.dispatchTrigger(ctx, order, schema.TriggerPaid)
}

// OnConfirmed publishes a same-status progress event and fires "confirmed"
// triggers.
func (l *Lifecycle) OnConfirmed(ctx context.Context, order *schema.Order) {
	l.publish(order, schema.StatusPaymentProcessing, schema.StatusPaymentProcessing)
	l.dispatchTrigger(ctx, order, schema.TriggerConfirmed)
}

// OnFinalized publishes PaymentProcessing -> PaymentComplete and fires
// "finalized" triggers.
func (l *Lifecycle) OnFinalized(ctx context.Context, order *schema.Order) {
	l.publish(order, schema.StatusPaymentProcessing, schema.StatusPaymentComplete)
	l.dispatchTrigger(ctx, order, schema.TriggerFinalized)
}

func (l *Lifecycle) publish(order *schema.Order, oldStatus, newStatus string) {
	event := StatusEvent{
		OrderID:          order.OrderID,
		PaymentReference: order.PaymentReference,
		OldStatus:        oldStatus,
		NewStatus:        newStatus,
		ChangedAt:        time.Now().UTC(),
	}
	if order.Customer != nil {
		if chainID, buyer, err := ids.ParseSellerID(order.Customer.ID); err == nil {
			l.buyerBus.Publish(buyer, chainID, event)
		}
	}
	seen := make(map[string]struct{})
	for _, offer := range order.AcceptedOffer {
		chainID, seller, err := ids.ParseSellerID(offer.Seller.ID)
		if err != nil {
			continue
		}
		if _, dup := seen[offer.Seller.ID]; dup {
			continue
		}
		seen[offer.Seller.ID] = struct{}{}
		l.sellerBus.Publish(seller, chainID, event)
	}
}

// lineTrigger returns the effective trigger for an offer; unset defaults to
// finalized so sellers are never notified before funds settle.
func lineTrigger(offer schema.OfferSnapshot) string {
	switch offer.FulfillmentTrigger {
	case schema.TriggerPaid, schema.TriggerConfirmed, schema.TriggerFinalized:
		return offer.FulfillmentTrigger
	default:
		return schema.TriggerFinalized
	}
}

func (l *Lifecycle) dispatchTrigger(ctx context.Context, order *schema.Order, trigger string) {
	if l.client == nil || l.routes == nil {
		return
	}
	if len(order.AcceptedOffer) != len(order.OrderedItem) {
		l.logger.Error("order has mismatched offer and line counts, skipping dispatch",
			"orderId", order.OrderID)
		return
	}
	occurredAt := time.Now().UTC()
	for i, offer := range order.AcceptedOffer {
		if lineTrigger(offer) != trigger {
			continue
		}
		chainID, seller, err := ids.ParseSellerID(offer.Seller.ID)
		if err != nil {
			continue
		}
		sku := order.OrderedItem[i].OrderedItem.SKU
		key := order.OrderID + "|" + trigger + "|" + offer.Seller.ID + "|" + sku
		if _, loaded := l.dispatched.LoadOrStore(key, struct{}{}); loaded {
			continue
		}
		endpoint, ok, err := l.routes.TryResolveUpstream(ctx, chainID, seller, sku, routes.UpstreamFulfillment)
		if err != nil {
			l.logger.Warn("resolve fulfillment endpoint failed",
				"orderId", order.OrderID, "seller", seller, "sku", sku, "err", err)
			l.dispatched.Delete(key)
			continue
		}
		if !ok {
			continue
		}
		l.wg.Add(1)
		go l.dispatchOne(order.OrderID, order.PaymentReference, trigger, endpoint, seller, chainID, occurredAt, key)
	}
}

func (l *Lifecycle) dispatchOne(orderID, reference, trigger, endpoint, seller string, chainID int64, occurredAt time.Time, key string) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var sellerOrder, items json.RawMessage
	if l.access != nil {
		projection, err := l.access.GetForSeller(ctx, orderID, seller, chainID)
		if err == nil && projection != nil {
			if raw, err := json.Marshal(projection); err == nil {
				sellerOrder = raw
			}
			if raw, err := json.Marshal(projection.OrderedItem); err == nil {
				items = raw
			}
		}
	}
	resp, err := l.client.Dispatch(ctx, endpoint, fulfillment.Request{
		OrderID:          orderID,
		PaymentReference: reference,
		Trigger:          trigger,
		OccurredAt:       occurredAt,
		Items:            items,
		SellerOrder:      sellerOrder,
	})
	if err != nil {
		l.logger.Warn("fulfillment dispatch failed",
			"orderId", orderID, "trigger", trigger, "endpoint", endpoint, "err", err)
		l.dispatched.Delete(key)
		return
	}
	l.logger.Info("fulfillment dispatched",
		"orderId", orderID, "trigger", trigger, "status", resp.StatusCode)
	if l.store != nil && len(resp.Body) > 0 && json.Valid(resp.Body) {
		if err := l.store.AddOutboxItem(ctx, orderID, "fulfillment", resp.Body); err != nil {
			l.logger.Warn("record fulfillment response failed", "orderId", orderID, "err", err)
		}
	}
}
