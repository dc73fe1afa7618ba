package cart

import (
	"testing"

	"circlesmarket/market/schema"
)

func offerLine(slots []string, delivery ...string) schema.BasketItem {
	return schema.BasketItem{
		Seller:        "0xabcdef0123456789abcdef0123456789abcdef01",
		OrderedItem:   schema.OrderedItem{SKU: "widget-1"},
		OrderQuantity: 1,
		OfferSnapshot: &schema.OfferSnapshot{
			PriceCurrency:           "EUR",
			RequiredSlots:           slots,
			AvailableDeliveryMethod: delivery,
		},
	}
}

func requirement(result Result, key string) (Requirement, bool) {
	for _, req := range result.Requirements {
		if req.Key == key {
			return req, true
		}
	}
	return Requirement{}, false
}

func TestValidateEmptyBasket(t *testing.T) {
	result := Validate(&schema.Basket{BasketID: "bkt_00000000000000000000000000000001"})
	if result.Valid {
		t.Fatal("empty basket must not validate")
	}
	req, ok := requirement(result, "items")
	if !ok || req.Status != StatusMissing || !req.Blocking {
		t.Fatalf("items requirement %+v", req)
	}
}

func TestValidateDownloadOnlyNeedsNoShipping(t *testing.T) {
	b := &schema.Basket{
		BasketID: "bkt_00000000000000000000000000000001",
		Items:    []schema.BasketItem{offerLine(nil, schema.DeliveryModeDownload)},
	}
	result := Validate(b)
	if !result.Valid {
		t.Fatalf("download-only basket invalid: missing %v", result.Missing)
	}
	if _, ok := requirement(result, "shippingAddress.postalCode"); ok {
		t.Fatal("download-only line must not demand a shipping address")
	}
}

func TestValidatePhysicalLineDemandsShipping(t *testing.T) {
	b := &schema.Basket{
		BasketID: "bkt_00000000000000000000000000000001",
		Items:    []schema.BasketItem{offerLine(nil)},
	}
	result := Validate(b)
	if result.Valid {
		t.Fatal("physical basket without address must not validate")
	}
	req, ok := requirement(result, "shippingAddress.postalCode")
	if !ok || req.Status != StatusMissing {
		t.Fatalf("shipping requirement %+v", req)
	}

	b.ShippingAddress = &schema.PostalAddress{
		StreetAddress:   "Hauptstr. 1",
		AddressLocality: "Berlin",
		PostalCode:      "10115",
		AddressCountry:  "DE",
	}
	result = Validate(b)
	if !result.Valid {
		t.Fatalf("complete address still invalid: missing %v", result.Missing)
	}
}

func TestValidateAddressShape(t *testing.T) {
	cases := []struct {
		name string
		addr *schema.PostalAddress
		want string
	}{
		{"nil", nil, StatusMissing},
		{"wrong type", &schema.PostalAddress{Type: "Place"}, StatusTypeMismatch},
		{"partial", &schema.PostalAddress{StreetAddress: "x", PostalCode: "1"}, StatusInvalidShape},
		{"complete", &schema.PostalAddress{
			Type: "PostalAddress", StreetAddress: "x", AddressLocality: "y",
			PostalCode: "1", AddressCountry: "DE",
		}, StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateAddress(tc.addr); got != tc.want {
				t.Fatalf("status %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateRequiredSlots(t *testing.T) {
	b := &schema.Basket{
		BasketID: "bkt_00000000000000000000000000000001",
		Items: []schema.BasketItem{
			offerLine([]string{"customer.name", "contactPoint.email"}, schema.DeliveryModeDownload),
			offerLine([]string{"ageProof.birthDate"}, schema.DeliveryModeDownload),
		},
	}
	result := Validate(b)
	if result.Valid {
		t.Fatal("unfilled slots must not validate")
	}
	for _, key := range []string{"customer.name", "contactPoint.email", "ageProof.birthDate"} {
		req, ok := requirement(result, key)
		if !ok {
			t.Fatalf("requirement %q missing", key)
		}
		if req.Status != StatusMissing {
			t.Fatalf("requirement %q status %q", key, req.Status)
		}
	}

	b.Customer = &schema.Person{Type: "Person", Name: "Ada"}
	b.ContactPoint = &schema.ContactPoint{Email: "ada@example.org"}
	b.AgeProof = &schema.Person{Type: "Person", BirthDate: "1990-01-01"}
	result = Validate(b)
	if !result.Valid {
		t.Fatalf("filled slots still invalid: missing %v", result.Missing)
	}
}

func TestValidateSlotShapes(t *testing.T) {
	b := &schema.Basket{
		BasketID:     "bkt_00000000000000000000000000000001",
		Items:        []schema.BasketItem{offerLine([]string{"contactPoint.email"}, schema.DeliveryModeDownload)},
		ContactPoint: &schema.ContactPoint{Email: "not-an-email"},
	}
	result := Validate(b)
	req, ok := requirement(result, "contactPoint.email")
	if !ok || req.Status != StatusInvalidShape {
		t.Fatalf("email shape requirement %+v", req)
	}

	b.Customer = &schema.Person{Type: "Organization", Name: "Acme"}
	b.Items = []schema.BasketItem{offerLine([]string{"customer.name"}, schema.DeliveryModeDownload)}
	result = Validate(b)
	req, ok = requirement(result, "customer.name")
	if !ok || req.Status != StatusTypeMismatch {
		t.Fatalf("customer type requirement %+v", req)
	}
}

func TestValidateUnknownSlotBlocks(t *testing.T) {
	b := &schema.Basket{
		BasketID: "bkt_00000000000000000000000000000001",
		Items:    []schema.BasketItem{offerLine([]string{"passport.number"}, schema.DeliveryModeDownload)},
	}
	result := Validate(b)
	if result.Valid {
		t.Fatal("unknown slot keys must block validation")
	}
	req, ok := requirement(result, "passport.number")
	if !ok || req.Status != StatusMissing || !req.Blocking {
		t.Fatalf("unknown slot requirement %+v", req)
	}
}

func TestValidateRuleTrace(t *testing.T) {
	result := Validate(&schema.Basket{BasketID: "bkt_00000000000000000000000000000001"})
	want := []string{"ItemsNonEmpty", "CustomerName", "OfferRequiredSlots", "ShippingAddress"}
	if len(result.RuleTrace) != len(want) {
		t.Fatalf("trace %v", result.RuleTrace)
	}
	for i, name := range want {
		if result.RuleTrace[i] != name {
			t.Fatalf("trace[%d] = %q, want %q", i, result.RuleTrace[i], name)
		}
	}
}
