package basket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	errskit "circlesmarket/errs"
	"circlesmarket/market/ids"
	"circlesmarket/market/inventory"
	"circlesmarket/market/registry"
	"circlesmarket/market/routes"
	"circlesmarket/market/schema"
)

// Snapshot cache windows.
const (
	freshWindow = 60 * time.Second
	staleWindow = 5 * time.Minute
)

// SoldChecker answers whether a one-off entry has already been claimed.
type SoldChecker interface {
	IsSold(ctx context.Context, chainID int64, seller, sku string) (bool, error)
}

type cacheEntry struct {
	fingerprint string
	items       []schema.BasketItem
	fetchedAt   time.Time
}

// Canonicalizer rewrites basket lines with canonical seller/sku/productCid
// and a server-authoritative offer snapshot, enforcing routing, inventory,
// and one-off rules. Results are cached per basket so repeated validation
// and checkout reproduce the same lines from stored state alone.
type Canonicalizer struct {
	resolver  *registry.Resolver
	routes    *routes.Store
	inventory *inventory.Client
	sold      SoldChecker
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry // keyed by basket id

	refreshWG sync.WaitGroup
}

// NewCanonicalizer wires the collaborators. sold may be nil when one-off
// pre-checks are handled elsewhere.
func NewCanonicalizer(resolver *registry.Resolver, rs *routes.Store, inv *inventory.Client, sold SoldChecker, logger *slog.Logger) *Canonicalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Canonicalizer{
		resolver:  resolver,
		routes:    rs,
		inventory: inv,
		sold:      sold,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]*cacheEntry),
	}
}

// fingerprint is a stable digest of the basket's logical content: the sorted
// (seller, sku, quantity) sequence.
func fingerprint(items []schema.BasketItem) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		seller := strings.ToLower(strings.TrimSpace(item.Seller))
		sku := strings.ToLower(strings.TrimSpace(item.OrderedItem.SKU))
		lines = append(lines, fmt.Sprintf("%s|%s|%d", seller, sku, item.OrderQuantity))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Canonicalize rewrites b.Items in place. The fresh/stale cache windows keep
// hot baskets cheap: fresh snapshots apply directly, stale ones apply and
// refresh in the background, anything older recomputes synchronously.
func (c *Canonicalizer) Canonicalize(ctx context.Context, b *schema.Basket) error {
	if b == nil {
		return errors.New("basket required")
	}
	if len(b.Items) == 0 {
		return nil
	}
	fp := fingerprint(b.Items)
	now := c.now()

	c.mu.Lock()
	entry := c.cache[b.BasketID]
	c.mu.Unlock()

	if entry != nil && entry.fingerprint == fp {
		age := now.Sub(entry.fetchedAt)
		switch {
		case age <= freshWindow:
			items, err := schema.CloneItems(entry.items)
			if err != nil {
				return err
			}
			b.Items = items
			return nil
		case age <= staleWindow:
			items, err := schema.CloneItems(entry.items)
			if err != nil {
				return err
			}
			b.Items = items
			c.spawnRefresh(b.BasketID, b.ChainID, b.Operator, fp, b.Items)
			return nil
		}
	}

	items, err := c.recompute(ctx, b.ChainID, b.Operator, b.Items)
	if err != nil {
		return err
	}
	b.Items = items
	c.storeSnapshot(b.BasketID, fp, items, c.now())
	return nil
}

// Invalidate drops the cached snapshot for a basket.
func (c *Canonicalizer) Invalidate(basketID string) {
	c.mu.Lock()
	delete(c.cache, basketID)
	c.mu.Unlock()
}

// WaitForRefreshes blocks until in-flight background refreshes complete.
// Used on shutdown and in tests.
func (c *Canonicalizer) WaitForRefreshes() {
	c.refreshWG.Wait()
}

func (c *Canonicalizer) storeSnapshot(basketID, fp string, items []schema.BasketItem, fetchedAt time.Time) {
	clone, err := schema.CloneItems(items)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Last writer by fetch time wins; a slow background refresh never
	// clobbers a newer snapshot.
	if existing, ok := c.cache[basketID]; ok && existing.fetchedAt.After(fetchedAt) {
		return
	}
	c.cache[basketID] = &cacheEntry{fingerprint: fp, items: clone, fetchedAt: fetchedAt}
}

func (c *Canonicalizer) spawnRefresh(basketID string, chainID int64, operator, fp string, items []schema.BasketItem) {
	snapshot, err := schema.CloneItems(items)
	if err != nil {
		return
	}
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		started := c.now()
		recomputed, err := c.recompute(ctx, chainID, operator, snapshot)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug("background snapshot refresh failed",
					"basketId", basketID, "err", err)
			}
			return
		}
		c.storeSnapshot(basketID, fp, recomputed, started)
	}()
}

type inventoryBucket struct {
	available    *int64
	requested    int64
	oneOff       bool
	originalLine int
}

// recompute resolves every line against the registry, routing table, and
// live inventory feeds, and returns fully rewritten lines.
func (c *Canonicalizer) recompute(ctx context.Context, chainID int64, operator string, items []schema.BasketItem) ([]schema.BasketItem, error) {
	out := make([]schema.BasketItem, 0, len(items))
	buckets := make(map[string]*inventoryBucket)

	for i, item := range items {
		seller, err := ids.NormalizeAddress(item.Seller)
		if err != nil {
			return nil, errskit.Newf(errskit.KindUnprocessable, "line %d: malformed seller %q", i, item.Seller)
		}
		requestedSKU := strings.ToLower(strings.TrimSpace(item.OrderedItem.SKU))
		if requestedSKU == "" {
			return nil, errskit.Newf(errskit.KindUnprocessable, "line %d: sku required", i)
		}

		product, digest, err := c.resolver.Resolve(ctx, chainID, seller, operator, requestedSKU)
		if err != nil {
			kind := errskit.KindOf(err)
			if kind == errskit.KindNotFound || kind == errskit.KindUnprocessable {
				return nil, errskit.Newf(errskit.KindUnprocessable,
					"Product not found for seller %s sku %q", seller, requestedSKU)
			}
			return nil, err
		}
		sku := product.SKU

		route, ok, err := c.routes.TryGet(ctx, chainID, seller, sku)
		if err != nil {
			return nil, err
		}
		if !ok || !route.IsConfigured() {
			return nil, errskit.Newf(errskit.KindUnprocessable,
				"Offer %s/%s is not purchasable", seller, sku)
		}

		quantity := item.OrderQuantity
		if quantity < 1 {
			quantity = 1
		}

		key := seller + "|" + sku
		bucket, seen := buckets[key]
		if !seen {
			bucket = &inventoryBucket{oneOff: route.IsOneOff, originalLine: i}
			if route.TotalInventory != nil {
				available := *route.TotalInventory
				bucket.available = &available
			}
			feedURL, hasFeed, err := c.routes.TryResolveUpstream(ctx, chainID, seller, sku, routes.UpstreamInventory)
			if err != nil {
				return nil, err
			}
			if hasFeed && c.inventory != nil {
				available, err := c.inventory.Quantity(ctx, feedURL)
				if err != nil {
					return nil, err
				}
				bucket.available = &available
			}
			buckets[key] = bucket
		}
		bucket.requested += quantity

		if bucket.available != nil && bucket.requested > *bucket.available {
			return nil, errskit.Newf(errskit.KindUnprocessable,
				"Requested quantity %d for %s/%s exceeds inventory %d",
				bucket.requested, seller, sku, *bucket.available)
		}
		if route.IsOneOff {
			if bucket.requested > 1 {
				return nil, errskit.Newf(errskit.KindUnprocessable,
					"One-off %s/%s quantity > 1", seller, sku)
			}
			if c.sold != nil {
				sold, err := c.sold.IsSold(ctx, chainID, seller, sku)
				if err != nil {
					return nil, err
				}
				if sold {
					return nil, errskit.Newf(errskit.KindUnprocessable,
						"One-off %s/%s already sold", seller, sku).
						WithDetails(map[string]any{
							"reason":  "oneOffAlreadySold",
							"chainId": chainID,
							"seller":  seller,
							"sku":     sku,
						})
				}
			}
		}

		snapshot := buildSnapshot(product, route, chainID, seller)
		line := schema.BasketItem{
			Seller: seller,
			OrderedItem: schema.OrderedItem{
				Type:  "Product",
				SKU:   sku,
				Name:  product.Name,
				Image: product.Image,
			},
			OrderQuantity: quantity,
			ImageURL:      item.ImageURL,
			ProductCID:    digest,
			OfferSnapshot: snapshot,
		}
		out = append(out, line)
	}
	return out, nil
}

// buildSnapshot derives the persisted offer from the canonical product. The
// snapshot's seller always comes from the resolver inputs, never from the
// upstream payload.
func buildSnapshot(product *registry.Product, route *routes.RouteConfig, chainID int64, seller string) *schema.OfferSnapshot {
	snapshot := &schema.OfferSnapshot{Type: "Offer"}
	if product.Offers != nil {
		snapshot.Price = product.Offers.Price
		snapshot.PriceCurrency = product.Offers.PriceCurrency
		snapshot.AvailableDeliveryMethod = append([]string(nil), product.Offers.AvailableDeliveryMethod...)
		snapshot.RequiredSlots = append([]string(nil), product.Offers.RequiredSlots...)
		snapshot.FulfillmentTrigger = product.Offers.FulfillmentTrigger
	}
	snapshot.IsOneOff = route.IsOneOff
	snapshot.Seller = schema.IDRef{ID: ids.SellerID(chainID, seller)}
	snapshot.FulfillmentEndpoint = nil
	return snapshot
}
