package routes

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Adapter kinds recognized by the routing table.
const (
	OfferTypeERP           = "erp"
	OfferTypeCodeDispenser = "code-dispenser"
)

// knownAdapter reports whether the offer type refers to a wired adapter.
func knownAdapter(offerType string) bool {
	switch strings.ToLower(strings.TrimSpace(offerType)) {
	case OfferTypeERP, OfferTypeCodeDispenser:
		return true
	}
	return false
}

// RouteConfig maps (chain, seller, sku) to how the offer is sold.
type RouteConfig struct {
	ChainID        int64  `gorm:"primaryKey;autoIncrement:false"`
	SellerAddress  string `gorm:"primaryKey;size:42"`
	SKU            string `gorm:"primaryKey;size:128;column:sku"`
	OfferType      string `gorm:"size:32"`
	IsOneOff       bool
	Enabled        bool
	TotalInventory *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName pins the persisted layout.
func (RouteConfig) TableName() string { return "market_service_routes" }

// IsConfigured reports whether the route can be sold: it must be enabled and
// either one-off or bound to a known adapter.
func (r *RouteConfig) IsConfigured() bool {
	if r == nil || !r.Enabled {
		return false
	}
	return r.IsOneOff || knownAdapter(r.OfferType)
}

// OutboundCredential authorizes requests to a seller adapter endpoint.
type OutboundCredential struct {
	ServiceKind    string `gorm:"primaryKey;size:32"`
	EndpointOrigin string `gorm:"primaryKey;size:255"`
	HeaderName     string `gorm:"size:64"`
	APIKey         string `gorm:"size:255"`
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName pins the persisted layout.
func (OutboundCredential) TableName() string { return "outbound_credentials" }

// RFC 9110 token syntax for header field names.
var headerTokenPattern = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")

// Valid reports whether the credential is safe to attach: enabled, header
// name in token syntax, and no CR/LF anywhere.
func (c *OutboundCredential) Valid() bool {
	if c == nil || !c.Enabled {
		return false
	}
	if !headerTokenPattern.MatchString(c.HeaderName) {
		return false
	}
	if strings.ContainsAny(c.APIKey, "\r\n") || c.APIKey == "" {
		return false
	}
	return true
}

// AutoMigrate applies the routing schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RouteConfig{}, &OutboundCredential{})
}
