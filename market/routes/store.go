// Package routes persists the operator routing table: which (chain, seller,
// sku) tuples are purchasable, how they fulfil, and where their upstream
// feeds and adapters live.
package routes

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errskit "circlesmarket/errs"
)

// UpstreamKind selects which upstream URL template to expand.
type UpstreamKind string

const (
	// UpstreamInventory points at the live inventory feed.
	UpstreamInventory UpstreamKind = "inventory"
	// UpstreamAvailability points at the availability feed.
	UpstreamAvailability UpstreamKind = "availability"
	// UpstreamFulfillment points at the fulfillment adapter endpoint.
	UpstreamFulfillment UpstreamKind = "fulfillment"
)

// Store is the persistent routing table.
type Store struct {
	db *gorm.DB
	// templates are keyed "{offerType}.{kind}" with a "{kind}" fallback.
	templates map[string]string
	// vars holds the named substitution variables (ports etc.) allowed in
	// templates beyond the per-route placeholders.
	vars map[string]string
}

// NewStore wraps the database handle with the configured URL templates.
func NewStore(db *gorm.DB, templates, vars map[string]string) *Store {
	normalized := make(map[string]string, len(templates))
	for key, tpl := range templates {
		normalized[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(tpl)
	}
	return &Store{db: db, templates: normalized, vars: vars}
}

func normalizeKey(seller, sku string) (string, string) {
	return strings.ToLower(strings.TrimSpace(seller)), strings.ToLower(strings.TrimSpace(sku))
}

// TryGet returns the route row for the normalized key, disabled rows
// included. Callers decide with IsConfigured.
func (s *Store) TryGet(ctx context.Context, chainID int64, seller, sku string) (*RouteConfig, bool, error) {
	seller, sku = normalizeKey(seller, sku)
	var route RouteConfig
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND seller_address = ? AND sku = ?", chainID, seller, sku).
		First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load route: %w", err)
	}
	return &route, true, nil
}

// Upsert writes a route row. Unknown offer types are rejected unless the row
// is one-off only.
func (s *Store) Upsert(ctx context.Context, route RouteConfig) error {
	route.SellerAddress, route.SKU = normalizeKey(route.SellerAddress, route.SKU)
	if route.ChainID <= 0 {
		return errskit.New(errskit.KindInvalid, "route chain id must be positive")
	}
	if route.SellerAddress == "" || route.SKU == "" {
		return errskit.New(errskit.KindInvalid, "route seller and sku required")
	}
	route.OfferType = strings.ToLower(strings.TrimSpace(route.OfferType))
	if route.OfferType != "" && !knownAdapter(route.OfferType) {
		return errskit.Newf(errskit.KindInvalid, "unknown offer type %q", route.OfferType)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_id"}, {Name: "seller_address"}, {Name: "sku"}},
			UpdateAll: true,
		}).
		Create(&route).Error
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

// GetActiveSellers lists distinct enabled sellers on a chain for downstream
// catalog aggregation.
func (s *Store) GetActiveSellers(ctx context.Context, chainID int64) ([]string, error) {
	var sellers []string
	err := s.db.WithContext(ctx).
		Model(&RouteConfig{}).
		Where("chain_id = ? AND enabled = ?", chainID, true).
		Distinct("seller_address").
		Order("seller_address").
		Pluck("seller_address", &sellers).Error
	if err != nil {
		return nil, fmt.Errorf("list active sellers: %w", err)
	}
	return sellers, nil
}

var templatePlaceholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// expandTemplate substitutes the closed placeholder set. An unrecognized
// variable is a configuration error, never a best-effort substitution.
func expandTemplate(tpl string, vars map[string]string) (string, error) {
	var badVar string
	expanded := templatePlaceholder.ReplaceAllStringFunc(tpl, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		if badVar == "" {
			badVar = name
		}
		return match
	})
	if badVar != "" {
		return "", errskit.Newf(errskit.KindUpstream, "unknown template variable {%s}", badVar)
	}
	return expanded, nil
}

// TryResolveUpstream expands the URL template for the route and kind. It
// returns false with no error when the route has no upstream of that kind.
func (s *Store) TryResolveUpstream(ctx context.Context, chainID int64, seller, sku string, kind UpstreamKind) (string, bool, error) {
	route, ok, err := s.TryGet(ctx, chainID, seller, sku)
	if err != nil {
		return "", false, err
	}
	if !ok || !route.IsConfigured() {
		return "", false, nil
	}
	tpl, ok := s.lookupTemplate(route.OfferType, kind)
	if !ok {
		return "", false, nil
	}
	vars := map[string]string{
		"seller":   route.SellerAddress,
		"sku":      route.SKU,
		"chain_id": strconv.FormatInt(route.ChainID, 10),
	}
	for name, value := range s.vars {
		vars[name] = value
	}
	expanded, err := expandTemplate(tpl, vars)
	if err != nil {
		return "", false, err
	}
	return expanded, true, nil
}

func (s *Store) lookupTemplate(offerType string, kind UpstreamKind) (string, bool) {
	if offerType != "" {
		if tpl, ok := s.templates[offerType+"."+string(kind)]; ok && tpl != "" {
			return tpl, true
		}
	}
	tpl, ok := s.templates[string(kind)]
	return tpl, ok && tpl != ""
}

// Credential loads the outbound credential for (serviceKind, origin).
func (s *Store) Credential(ctx context.Context, serviceKind, endpointOrigin string) (*OutboundCredential, bool, error) {
	var cred OutboundCredential
	err := s.db.WithContext(ctx).
		Where("service_kind = ? AND endpoint_origin = ?", strings.ToLower(strings.TrimSpace(serviceKind)), strings.TrimSpace(endpointOrigin)).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load credential: %w", err)
	}
	return &cred, true, nil
}

// PutCredential upserts an outbound credential row.
func (s *Store) PutCredential(ctx context.Context, cred OutboundCredential) error {
	cred.ServiceKind = strings.ToLower(strings.TrimSpace(cred.ServiceKind))
	cred.EndpointOrigin = strings.TrimSpace(cred.EndpointOrigin)
	if cred.ServiceKind == "" || cred.EndpointOrigin == "" {
		return errskit.New(errskit.KindInvalid, "credential service kind and origin required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service_kind"}, {Name: "endpoint_origin"}},
			UpdateAll: true,
		}).
		Create(&cred).Error
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}
