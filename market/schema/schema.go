// Package schema holds the JSON-LD wire types shared by the basket, order,
// and validation layers. Field names are fixed here and nowhere else; the
// patch endpoint's whitelist and the validator's slot table both key into
// these shapes.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// JSON-LD context entries attached to produced documents.
const (
	ContextSchemaOrg = "https://schema.org"
	ContextMarket    = "https://circles.market/contexts/market-v1.jsonld"
)

// Basket lifecycle states.
const (
	BasketDraft      = "Draft"
	BasketValidating = "Validating"
	BasketValid      = "Valid"
	BasketCheckedOut = "CheckedOut"
	BasketExpired    = "Expired"
)

// Order status URIs. The values are opaque strings on the wire; only the
// transition order matters.
const (
	StatusPaymentDue        = "https://schema.org/PaymentDue"
	StatusPaymentProcessing = "https://circles.market/order-status/PaymentProcessing"
	StatusPaymentComplete   = "https://schema.org/PaymentComplete"
	StatusCancelled         = "https://schema.org/OrderCancelled"
	StatusFulfilled         = "https://schema.org/OrderDelivered"
)

// Fulfillment trigger points.
const (
	TriggerPaid      = "paid"
	TriggerConfirmed = "confirmed"
	TriggerFinalized = "finalized"
)

// DeliveryModeDownload marks lines that need no physical shipment.
const DeliveryModeDownload = "http://purl.org/goodrelations/v1#DeliveryModeDirectDownload"

// IDRef is a JSON-LD node reference.
type IDRef struct {
	ID string `json:"@id"`
}

// PostalAddress is the schema.org shape expected by shipping and billing
// slots.
type PostalAddress struct {
	Type            string `json:"@type,omitempty"`
	StreetAddress   string `json:"streetAddress,omitempty"`
	AddressLocality string `json:"addressLocality,omitempty"`
	AddressRegion   string `json:"addressRegion,omitempty"`
	PostalCode      string `json:"postalCode,omitempty"`
	AddressCountry  string `json:"addressCountry,omitempty"`
}

// Person carries buyer identity slots (customer, ageProof).
type Person struct {
	ID        string `json:"@id,omitempty"`
	Type      string `json:"@type,omitempty"`
	Name      string `json:"name,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
	Email     string `json:"email,omitempty"`
	Telephone string `json:"telephone,omitempty"`
}

// ContactPoint carries reachability slots.
type ContactPoint struct {
	Type      string `json:"@type,omitempty"`
	Email     string `json:"email,omitempty"`
	Telephone string `json:"telephone,omitempty"`
}

// OrderedItem identifies the product on a line.
type OrderedItem struct {
	Type  string `json:"@type,omitempty"`
	SKU   string `json:"sku"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

// OfferSnapshot is the server-authoritative offer captured per line during
// canonicalization. FulfillmentEndpoint is never persisted; it is resolved
// from the routing table at dispatch time and nulled on buyer reads.
type OfferSnapshot struct {
	Type                    string          `json:"@type,omitempty"`
	Price                   decimal.Decimal `json:"price"`
	PriceCurrency           string          `json:"priceCurrency"`
	Seller                  IDRef           `json:"seller"`
	AvailableDeliveryMethod []string        `json:"availableDeliveryMethod,omitempty"`
	RequiredSlots           []string        `json:"requiredSlots,omitempty"`
	IsOneOff                bool            `json:"isOneOff,omitempty"`
	FulfillmentTrigger      string          `json:"fulfillmentTrigger,omitempty"`
	FulfillmentEndpoint     *string         `json:"fulfillmentEndpoint,omitempty"`
}

// BasketItem is a single basket line. ProductCID and OfferSnapshot are
// server-owned: client-supplied values are discarded on patch.
type BasketItem struct {
	Seller        string         `json:"seller"`
	OrderedItem   OrderedItem    `json:"orderedItem"`
	OrderQuantity int64          `json:"orderQuantity"`
	ImageURL      string         `json:"imageUrl,omitempty"`
	ProductCID    string         `json:"productCid,omitempty"`
	OfferSnapshot *OfferSnapshot `json:"offerSnapshot,omitempty"`
}

// Basket is the mutable pre-checkout container.
type Basket struct {
	Context    []string  `json:"@context"`
	Type       string    `json:"@type"`
	BasketID   string    `json:"basketId"`
	Status     string    `json:"status"`
	Version    int64     `json:"version"`
	ChainID    int64     `json:"chainId"`
	Buyer      string    `json:"buyer,omitempty"`
	Operator   string    `json:"operator,omitempty"`
	TTLSeconds int64     `json:"ttlSeconds"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`

	Items           []BasketItem   `json:"items"`
	Customer        *Person        `json:"customer,omitempty"`
	ShippingAddress *PostalAddress `json:"shippingAddress,omitempty"`
	BillingAddress  *PostalAddress `json:"billingAddress,omitempty"`
	AgeProof        *Person        `json:"ageProof,omitempty"`
	ContactPoint    *ContactPoint  `json:"contactPoint,omitempty"`
}

// NewBasketContext returns the @context array for produced baskets.
func NewBasketContext() []string {
	return []string{ContextSchemaOrg, ContextMarket}
}

// OrderLine is one entry of orderedItem, index-aligned with acceptedOffer.
type OrderLine struct {
	Type          string      `json:"@type,omitempty"`
	OrderQuantity int64       `json:"orderQuantity"`
	OrderedItem   OrderedItem `json:"orderedItem"`
}

// PriceSpecification is the schema.org total shape.
type PriceSpecification struct {
	Type          string          `json:"@type,omitempty"`
	Price         decimal.Decimal `json:"price"`
	PriceCurrency string          `json:"priceCurrency"`
}

// OutboxEntry is an append-only payload attached to an order.
type OutboxEntry struct {
	ID        int64           `json:"id"`
	Source    string          `json:"source,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Order is the immutable snapshot minted at checkout. Lifecycle columns
// (status, paid/confirmed/finalized timestamps) are overlaid from storage on
// reads; everything else never changes after creation.
type Order struct {
	Context          []string `json:"@context"`
	Type             string   `json:"@type"`
	OrderID          string   `json:"orderId"`
	BasketID         string   `json:"basketId,omitempty"`
	PaymentReference string   `json:"paymentReference"`
	OrderStatus      string   `json:"orderStatus"`

	OrderDate   time.Time  `json:"orderDate"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`

	Broker   *IDRef  `json:"broker,omitempty"`
	Customer *Person `json:"customer,omitempty"`

	AcceptedOffer []OfferSnapshot `json:"acceptedOffer"`
	OrderedItem   []OrderLine     `json:"orderedItem"`

	TotalPaymentDue *PriceSpecification `json:"totalPaymentDue,omitempty"`

	ShippingAddress *PostalAddress `json:"shippingAddress,omitempty"`
	BillingAddress  *PostalAddress `json:"billingAddress,omitempty"`
	ContactPoint    *ContactPoint  `json:"contactPoint,omitempty"`

	Outbox []OutboxEntry `json:"outbox,omitempty"`
}

// CloneBasket produces an isolated deep copy. Callers never receive
// references to stored state.
func CloneBasket(b *Basket) (*Basket, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("clone basket: %w", err)
	}
	clone := &Basket{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, fmt.Errorf("clone basket: %w", err)
	}
	return clone, nil
}

// CloneItems deep-copies basket lines.
func CloneItems(items []BasketItem) ([]BasketItem, error) {
	if items == nil {
		return nil, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("clone items: %w", err)
	}
	var clone []BasketItem
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("clone items: %w", err)
	}
	return clone, nil
}

// CloneOrder produces an isolated deep copy of an order.
func CloneOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("clone order: %w", err)
	}
	clone := &Order{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, fmt.Errorf("clone order: %w", err)
	}
	return clone, nil
}
