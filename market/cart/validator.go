// Package cart evaluates canonicalized baskets against the offer-required
// slot rules and produces slot-level requirements for the client to fill.
package cart

import (
	"sort"
	"strings"

	"circlesmarket/market/schema"
)

// Requirement statuses.
const (
	StatusOK           = "ok"
	StatusMissing      = "missing"
	StatusTypeMismatch = "typeMismatch"
	StatusInvalidShape = "invalidShape"
)

// Requirement is one slot-level demand derived from the basket contents.
type Requirement struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Path     string `json:"path"`
	Type     string `json:"type,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Status   string `json:"status"`
	Blocking bool   `json:"blocking"`
}

// Result is the outcome of running all rules over a basket.
type Result struct {
	BasketID     string        `json:"basketId"`
	Requirements []Requirement `json:"requirements"`
	Missing      []string      `json:"missing"`
	RuleTrace    []string      `json:"ruleTrace"`
	Valid        bool          `json:"valid"`
}

// Facts are derived once per basket and shared by the rules.
type Facts struct {
	HasItems          bool
	HasPhysicalLines  bool
	InvoiceLikely     bool
	AgeRestricted     bool
	RequiredSlotUnion []string
}

// Context wraps the basket under validation.
type Context struct {
	Basket *schema.Basket
	Facts  Facts

	requirements []Requirement
	trace        []string
}

func (c *Context) add(req Requirement) {
	c.requirements = append(c.requirements, req)
}

func (c *Context) traceRule(name string) {
	c.trace = append(c.trace, name)
}

// Rule is a pure function appending requirements and a trace entry.
type Rule func(*Context)

// deriveFacts inspects canonicalized lines.
func deriveFacts(b *schema.Basket) Facts {
	facts := Facts{HasItems: len(b.Items) > 0}
	slotSet := make(map[string]struct{})
	for _, item := range b.Items {
		offer := item.OfferSnapshot
		if offer == nil {
			continue
		}
		if !downloadOnly(offer.AvailableDeliveryMethod) {
			facts.HasPhysicalLines = true
		}
		for _, slot := range offer.RequiredSlots {
			slot = strings.TrimSpace(slot)
			if slot == "" {
				continue
			}
			slotSet[slot] = struct{}{}
			switch {
			case strings.HasPrefix(slot, "ageProof."):
				facts.AgeRestricted = true
			case strings.HasPrefix(slot, "billingAddress."):
				facts.InvoiceLikely = true
			}
		}
	}
	for slot := range slotSet {
		facts.RequiredSlotUnion = append(facts.RequiredSlotUnion, slot)
	}
	sort.Strings(facts.RequiredSlotUnion)
	if b.BillingAddress != nil {
		facts.InvoiceLikely = true
	}
	return facts
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

// slotSpec describes one entry of the closed slot table.
type slotSpec struct {
	label    string
	path     string
	typeIRI  string
	scope    string
	evaluate func(*schema.Basket) string
}

// slotTable is the closed mapping from requiredSlots keys to their checks.
// Unknown keys requested by an offer resolve to missing so sellers cannot
// demand slots the gateway does not understand silently.
var slotTable = map[string]slotSpec{
	"customer.name": {
		label:   "Customer name",
		path:    "/customer/name",
		typeIRI: "https://schema.org/Person",
		scope:   "basket",
		evaluate: func(b *schema.Basket) string {
			if b.Customer == nil {
				return StatusMissing
			}
			if b.Customer.Type != "" && b.Customer.Type != "Person" {
				return StatusTypeMismatch
			}
			if strings.TrimSpace(b.Customer.Name) == "" {
				return StatusInvalidShape
			}
			return StatusOK
		},
	},
	"contactPoint.email": {
		label:   "Contact email",
		path:    "/contactPoint/email",
		typeIRI: "https://schema.org/ContactPoint",
		scope:   "basket",
		evaluate: func(b *schema.Basket) string {
			if b.ContactPoint == nil {
				return StatusMissing
			}
			email := strings.TrimSpace(b.ContactPoint.Email)
			if email == "" {
				return StatusInvalidShape
			}
			if !strings.Contains(email, "@") {
				return StatusInvalidShape
			}
			return StatusOK
		},
	},
	"ageProof.birthDate": {
		label:   "Proof of age",
		path:    "/ageProof/birthDate",
		typeIRI: "https://schema.org/Person",
		scope:   "basket",
		evaluate: func(b *schema.Basket) string {
			if b.AgeProof == nil {
				return StatusMissing
			}
			if b.AgeProof.Type != "" && b.AgeProof.Type != "Person" {
				return StatusTypeMismatch
			}
			if strings.TrimSpace(b.AgeProof.BirthDate) == "" {
				return StatusInvalidShape
			}
			return StatusOK
		},
	},
	"shippingAddress.postalCode": {
		label:   "Shipping address",
		path:    "/shippingAddress/postalCode",
		typeIRI: "https://schema.org/PostalAddress",
		scope:   "basket",
		evaluate: func(b *schema.Basket) string {
			return evaluateAddress(b.ShippingAddress)
		},
	},
	"billingAddress.postalCode": {
		label:   "Billing address",
		path:    "/billingAddress/postalCode",
		typeIRI: "https://schema.org/PostalAddress",
		scope:   "basket",
		evaluate: func(b *schema.Basket) string {
			return evaluateAddress(b.BillingAddress)
		},
	},
}

// evaluateAddress applies the shared PostalAddress shape rules.
func evaluateAddress(addr *schema.PostalAddress) string {
	if addr == nil {
		return StatusMissing
	}
	if addr.Type != "" && addr.Type != "PostalAddress" {
		return StatusTypeMismatch
	}
	for _, field := range []string{addr.StreetAddress, addr.AddressLocality, addr.PostalCode, addr.AddressCountry} {
		if strings.TrimSpace(field) == "" {
			return StatusInvalidShape
		}
	}
	return StatusOK
}

func ruleItemsNonEmpty(c *Context) {
	c.traceRule("ItemsNonEmpty")
	status := StatusOK
	if !c.Facts.HasItems {
		status = StatusMissing
	}
	c.add(Requirement{
		Key:      "items",
		Label:    "Basket items",
		Path:     "/items",
		Status:   status,
		Blocking: true,
	})
}

func ruleCustomerName(c *Context) {
	c.traceRule("CustomerName")
	required := false
	for _, slot := range c.Facts.RequiredSlotUnion {
		if slot == "customer.name" {
			required = true
			break
		}
	}
	if !required {
		return
	}
	spec := slotTable["customer.name"]
	c.add(Requirement{
		Key:      "customer.name",
		Label:    spec.label,
		Path:     spec.path,
		Type:     spec.typeIRI,
		Scope:    spec.scope,
		Status:   spec.evaluate(c.Basket),
		Blocking: true,
	})
}

func ruleOfferRequiredSlots(c *Context) {
	c.traceRule("OfferRequiredSlots")
	for _, key := range c.Facts.RequiredSlotUnion {
		if key == "customer.name" {
			continue // handled by CustomerName
		}
		spec, known := slotTable[key]
		if !known {
			c.add(Requirement{
				Key:      key,
				Label:    key,
				Path:     "",
				Status:   StatusMissing,
				Blocking: true,
			})
			continue
		}
		c.add(Requirement{
			Key:      key,
			Label:    spec.label,
			Path:     spec.path,
			Type:     spec.typeIRI,
			Scope:    spec.scope,
			Status:   spec.evaluate(c.Basket),
			Blocking: true,
		})
	}
}

// ruleShippingAddress is the legacy physical-goods rule: any non-download
// line demands a complete PostalAddress even without an explicit slot.
func ruleShippingAddress(c *Context) {
	c.traceRule("ShippingAddress")
	if !c.Facts.HasPhysicalLines {
		return
	}
	for _, req := range c.requirements {
		if req.Key == "shippingAddress.postalCode" {
			return // already demanded via requiredSlots
		}
	}
	c.add(Requirement{
		Key:      "shippingAddress.postalCode",
		Label:    "Shipping address",
		Path:     "/shippingAddress/postalCode",
		Type:     "https://schema.org/PostalAddress",
		Scope:    "basket",
		Status:   evaluateAddress(c.Basket.ShippingAddress),
		Blocking: true,
	})
}

var coreRules = []Rule{
	ruleItemsNonEmpty,
	ruleCustomerName,
	ruleOfferRequiredSlots,
	ruleShippingAddress,
}

// Validate runs the rule set over a canonicalized basket.
func Validate(b *schema.Basket) Result {
	ctx := &Context{Basket: b, Facts: deriveFacts(b)}
	for _, rule := range coreRules {
		rule(ctx)
	}
	result := Result{
		BasketID:     b.BasketID,
		Requirements: ctx.requirements,
		RuleTrace:    ctx.trace,
		Valid:        true,
	}
	for _, req := range ctx.requirements {
		if req.Status != StatusOK {
			result.Missing = append(result.Missing, req.Key)
		}
		if req.Blocking && req.Status != StatusOK {
			result.Valid = false
		}
	}
	if result.Requirements == nil {
		result.Requirements = []Requirement{}
	}
	if result.Missing == nil {
		result.Missing = []string{}
	}
	return result
}
