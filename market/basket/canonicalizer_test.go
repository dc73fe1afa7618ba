package basket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	errskit "circlesmarket/errs"
	"circlesmarket/market/content"
	"circlesmarket/market/inventory"
	"circlesmarket/market/registry"
	"circlesmarket/market/routes"
	"circlesmarket/market/schema"
)

const (
	testChain  = int64(100)
	testSeller = "0xabcdef0123456789abcdef0123456789abcdef01"
)

type soldStub struct{ sold bool }

func (s *soldStub) IsSold(context.Context, int64, string, string) (bool, error) {
	return s.sold, nil
}

type canonFixture struct {
	store    *content.MemoryStore
	registry *registry.StaticRegistry
	routes   *routes.Store
	routeDB  *gorm.DB
	sold     *soldStub
	canon    *Canonicalizer
}

func newCanonFixture(t *testing.T, templates map[string]string) *canonFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open route db: %v", err)
	}
	if err := routes.AutoMigrate(db); err != nil {
		t.Fatalf("migrate routes: %v", err)
	}
	f := &canonFixture{
		store:    content.NewMemoryStore(),
		registry: registry.NewStaticRegistry(),
		routeDB:  db,
		sold:     &soldStub{},
	}
	f.routes = routes.NewStore(db, templates, nil)
	resolver := registry.NewResolver(f.registry, f.store, nil)
	f.canon = NewCanonicalizer(resolver, f.routes, nil, f.sold, nil)
	return f
}

// seedProduct publishes a signed product link and points the registry at it.
func (f *canonFixture) seedProduct(t *testing.T, sku string, product map[string]any) {
	t.Helper()
	ctx := context.Background()
	payload, err := json.Marshal(product)
	if err != nil {
		t.Fatalf("encode product: %v", err)
	}
	cid, err := f.store.Add(ctx, payload)
	if err != nil {
		t.Fatalf("store product: %v", err)
	}
	profile, err := json.Marshal(registry.Profile{Links: []registry.SignedLink{{
		Name:   "product/" + sku,
		CID:    cid,
		Signer: testSeller,
	}}})
	if err != nil {
		t.Fatalf("encode profile: %v", err)
	}
	digest, err := f.store.Add(ctx, profile)
	if err != nil {
		t.Fatalf("store profile: %v", err)
	}
	f.registry.Set(testChain, testSeller, digest)
}

func (f *canonFixture) seedRoute(t *testing.T, route routes.RouteConfig) {
	t.Helper()
	route.ChainID = testChain
	route.SellerAddress = testSeller
	if err := f.routes.Upsert(context.Background(), route); err != nil {
		t.Fatalf("upsert route: %v", err)
	}
}

func testBasket(items ...schema.BasketItem) *schema.Basket {
	return &schema.Basket{
		BasketID: "bkt_00000000000000000000000000000001",
		ChainID:  testChain,
		Items:    items,
	}
}

func line(sku string, qty int64) schema.BasketItem {
	return schema.BasketItem{
		Seller:        testSeller,
		OrderedItem:   schema.OrderedItem{SKU: sku},
		OrderQuantity: qty,
	}
}

func TestCanonicalizeRewritesLines(t *testing.T) {
	f := newCanonFixture(t, nil)
	f.seedProduct(t, "widget-1", map[string]any{
		"sku":  "widget-1",
		"name": "Widget",
		"offers": map[string]any{
			"price":         4.5,
			"priceCurrency": "EUR",
		},
	})
	f.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true})

	b := testBasket(line("Widget-1", 0))
	if err := f.canon.Canonicalize(context.Background(), b); err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	got := b.Items[0]
	if got.OrderedItem.SKU != "widget-1" || got.OrderedItem.Name != "Widget" {
		t.Fatalf("line not canonicalized: %+v", got.OrderedItem)
	}
	if got.OrderQuantity != 1 {
		t.Fatalf("quantity %d, want defaulted 1", got.OrderQuantity)
	}
	if got.ProductCID == "" {
		t.Fatal("product cid missing")
	}
	snapshot := got.OfferSnapshot
	if snapshot == nil {
		t.Fatal("offer snapshot missing")
	}
	if snapshot.Seller.ID != fmt.Sprintf("eip155:%d:%s", testChain, testSeller) {
		t.Fatalf("snapshot seller %q", snapshot.Seller.ID)
	}
	if !snapshot.Price.Equal(decimalFromString(t, "4.5")) || snapshot.PriceCurrency != "EUR" {
		t.Fatalf("snapshot price %s %s", snapshot.Price, snapshot.PriceCurrency)
	}
	if snapshot.FulfillmentEndpoint != nil {
		t.Fatal("snapshot must never carry an endpoint")
	}
}

func TestCanonicalizeServesFreshSnapshotFromCache(t *testing.T) {
	f := newCanonFixture(t, nil)
	f.seedProduct(t, "widget-1", map[string]any{
		"sku":    "widget-1",
		"offers": map[string]any{"price": 4.5, "priceCurrency": "EUR"},
	})
	f.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true})

	b := testBasket(line("widget-1", 1))
	if err := f.canon.Canonicalize(context.Background(), b); err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	// Reprice upstream; the fresh cache window must keep the old snapshot.
	f.seedProduct(t, "widget-1", map[string]any{
		"sku":    "widget-1",
		"offers": map[string]any{"price": 99, "priceCurrency": "EUR"},
	})
	again := testBasket(line("widget-1", 1))
	if err := f.canon.Canonicalize(context.Background(), again); err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !again.Items[0].OfferSnapshot.Price.Equal(decimalFromString(t, "4.5")) {
		t.Fatalf("cache miss: price %s", again.Items[0].OfferSnapshot.Price)
	}

	// Invalidate and observe the new price.
	f.canon.Invalidate(b.BasketID)
	fresh := testBasket(line("widget-1", 1))
	if err := f.canon.Canonicalize(context.Background(), fresh); err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !fresh.Items[0].OfferSnapshot.Price.Equal(decimalFromString(t, "99")) {
		t.Fatalf("invalidate ignored: price %s", fresh.Items[0].OfferSnapshot.Price)
	}
}

func TestCanonicalizeAggregatesInventoryAcrossLines(t *testing.T) {
	f := newCanonFixture(t, nil)
	f.seedProduct(t, "widget-1", map[string]any{
		"sku":    "widget-1",
		"offers": map[string]any{"price": 1, "priceCurrency": "EUR"},
	})
	total := int64(3)
	f.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true, TotalInventory: &total})

	b := testBasket(line("widget-1", 2), line("widget-1", 2))
	err := f.canon.Canonicalize(context.Background(), b)
	if err == nil {
		t.Fatal("expected inventory rejection")
	}
	if errskit.KindOf(err) != errskit.KindUnprocessable {
		t.Fatalf("kind %q", errskit.KindOf(err))
	}
	if !strings.Contains(err.Error(), "Requested quantity 4") || !strings.Contains(err.Error(), "exceeds inventory 3") {
		t.Fatalf("message %q", err.Error())
	}
}

func TestCanonicalizeUsesLiveInventoryFeed(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":5}`)
	}))
	defer feed.Close()

	f := newCanonFixture(t, map[string]string{
		"inventory": feed.URL + "/feeds/{seller}/{sku}",
	})
	f.canon.inventory = inventory.NewClient(nil)
	f.seedProduct(t, "widget-1", map[string]any{
		"sku":    "widget-1",
		"offers": map[string]any{"price": 1, "priceCurrency": "EUR"},
	})
	f.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true})

	ok := testBasket(line("widget-1", 5))
	if err := f.canon.Canonicalize(context.Background(), ok); err != nil {
		t.Fatalf("canonicalize within feed limit: %v", err)
	}

	f.canon.Invalidate(ok.BasketID)
	over := testBasket(line("widget-1", 6))
	err := f.canon.Canonicalize(context.Background(), over)
	if errskit.KindOf(err) != errskit.KindUnprocessable {
		t.Fatalf("kind %q, err %v", errskit.KindOf(err), err)
	}
}

func TestCanonicalizeOneOffRules(t *testing.T) {
	f := newCanonFixture(t, nil)
	f.seedProduct(t, "artwork-7", map[string]any{
		"sku":    "artwork-7",
		"offers": map[string]any{"price": 10, "priceCurrency": "EUR"},
	})
	f.seedRoute(t, routes.RouteConfig{SKU: "artwork-7", IsOneOff: true, Enabled: true})

	over := testBasket(line("artwork-7", 2))
	err := f.canon.Canonicalize(context.Background(), over)
	if errskit.KindOf(err) != errskit.KindUnprocessable {
		t.Fatalf("quantity > 1: kind %q, err %v", errskit.KindOf(err), err)
	}

	f.sold.sold = true
	sold := testBasket(line("artwork-7", 1))
	err = f.canon.Canonicalize(context.Background(), sold)
	if errskit.KindOf(err) != errskit.KindUnprocessable {
		t.Fatalf("sold one-off: kind %q, err %v", errskit.KindOf(err), err)
	}
	details := errskit.DetailsOf(err)
	if details == nil || details["reason"] != "oneOffAlreadySold" {
		t.Fatalf("details %v", details)
	}
	if details["seller"] != testSeller || details["sku"] != "artwork-7" {
		t.Fatalf("details %v", details)
	}
}

func TestCanonicalizeUnknownProduct(t *testing.T) {
	f := newCanonFixture(t, nil)
	f.seedProduct(t, "widget-1", map[string]any{"sku": "widget-1"})

	b := testBasket(line("missing-sku", 1))
	err := f.canon.Canonicalize(context.Background(), b)
	if errskit.KindOf(err) != errskit.KindUnprocessable {
		t.Fatalf("kind %q, err %v", errskit.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "Product not found") {
		t.Fatalf("message %q", err.Error())
	}
}

func decimalFromString(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", raw, err)
	}
	return value
}

func TestCanonicalizeUnroutedOffer(t *testing.T) {
	f := newCanonFixture(t, nil)
	f.seedProduct(t, "widget-1", map[string]any{
		"sku":    "widget-1",
		"offers": map[string]any{"price": 1, "priceCurrency": "EUR"},
	})
	// No route row at all.
	b := testBasket(line("widget-1", 1))
	err := f.canon.Canonicalize(context.Background(), b)
	if errskit.KindOf(err) != errskit.KindUnprocessable {
		t.Fatalf("kind %q, err %v", errskit.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "not purchasable") {
		t.Fatalf("message %q", err.Error())
	}
}
