package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"circlesmarket/market/basket"
	"circlesmarket/market/bus"
	"circlesmarket/market/cart"
	"circlesmarket/market/content"
	"circlesmarket/market/orders"
	"circlesmarket/market/registry"
	"circlesmarket/market/routes"
	"circlesmarket/market/schema"
)

const (
	testChain  = int64(100)
	testSecret = "test-secret"
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0xabcdef0123456789abcdef0123456789abcdef01"
	otherAddr  = "0x3333333333333333333333333333333333333333"
)

type testStack struct {
	http      *httptest.Server
	baskets   *basket.Store
	orders    *orders.Store
	routes    *routes.Store
	registry  *registry.StaticRegistry
	content   *content.MemoryStore
	buyerBus  *bus.Bus
	sellerBus *bus.Bus
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	basketStore, err := basket.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), testChain)
	if err != nil {
		t.Fatalf("open basket store: %v", err)
	}
	t.Cleanup(func() { basketStore.Close() })

	orderStore, err := orders.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open order store: %v", err)
	}
	t.Cleanup(func() { orderStore.Close() })

	routeDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open route db: %v", err)
	}
	if err := routes.AutoMigrate(routeDB); err != nil {
		t.Fatalf("migrate routes: %v", err)
	}

	ts := &testStack{
		baskets:   basketStore,
		orders:    orderStore,
		routes:    routes.NewStore(routeDB, nil, nil),
		registry:  registry.NewStaticRegistry(),
		content:   content.NewMemoryStore(),
		buyerBus:  bus.New("buyer"),
		sellerBus: bus.New("seller"),
	}
	resolver := registry.NewResolver(ts.registry, ts.content, nil)
	canon := basket.NewCanonicalizer(resolver, ts.routes, nil, orderStore, nil)

	srv := New(Options{
		Baskets:      basketStore,
		Canonicalize: canon,
		Orders:       orderStore,
		Access:       orders.NewAccess(orderStore),
		BuyerBus:     ts.buyerBus,
		SellerBus:    ts.sellerBus,
		Auth:         NewAuthenticator(AuthConfig{HMACSecret: testSecret}, nil),
		PrimaryChain: testChain,
	})
	ts.http = httptest.NewServer(srv.Router())
	t.Cleanup(ts.http.Close)
	return ts
}

func (ts *testStack) seedProduct(t *testing.T, sku string, price float64) {
	t.Helper()
	ctx := context.Background()
	payload, err := json.Marshal(map[string]any{
		"sku":    sku,
		"name":   "Product " + sku,
		"offers": map[string]any{"price": price, "priceCurrency": "EUR"},
	})
	if err != nil {
		t.Fatalf("encode product: %v", err)
	}
	cid, err := ts.content.Add(ctx, payload)
	if err != nil {
		t.Fatalf("store product: %v", err)
	}
	profile, err := json.Marshal(registry.Profile{Links: []registry.SignedLink{{
		Name:   "product/" + sku,
		CID:    cid,
		Signer: sellerAddr,
	}}})
	if err != nil {
		t.Fatalf("encode profile: %v", err)
	}
	digest, err := ts.content.Add(ctx, profile)
	if err != nil {
		t.Fatalf("store profile: %v", err)
	}
	ts.registry.Set(testChain, sellerAddr, digest)
}

func (ts *testStack) seedRoute(t *testing.T, route routes.RouteConfig) {
	t.Helper()
	route.ChainID = testChain
	route.SellerAddress = sellerAddr
	if err := ts.routes.Upsert(context.Background(), route); err != nil {
		t.Fatalf("upsert route: %v", err)
	}
}

func mintToken(t *testing.T, address string, chainID int64) string {
	t.Helper()
	claims := jwt.MapClaims{
		"address": address,
		"chainId": chainID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (ts *testStack) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, raw
}

func decodeAs[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

// readyBasket creates a basket with canonical items and a complete buyer
// surface, ready to check out.
func (ts *testStack) readyBasket(t *testing.T, sku string, qty int64) string {
	t.Helper()
	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets", "", map[string]any{
		"buyer":   buyerAddr,
		"chainId": testChain,
	})
	if status != http.StatusOK {
		t.Fatalf("create basket: %d %s", status, raw)
	}
	b := decodeAs[schema.Basket](t, raw)

	status, raw = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{
		"items": []map[string]any{{
			"seller":        sellerAddr,
			"orderedItem":   map[string]any{"sku": sku},
			"orderQuantity": qty,
		}},
		"customer": map[string]any{"name": "Ada Lovelace"},
		"shippingAddress": map[string]any{
			"streetAddress":   "Hauptstr. 1",
			"addressLocality": "Berlin",
			"postalCode":      "10115",
			"addressCountry":  "DE",
		},
	})
	if status != http.StatusOK {
		t.Fatalf("patch basket: %d %s", status, raw)
	}
	return b.BasketID
}

func (ts *testStack) checkout(t *testing.T, basketID string) (string, string) {
	t.Helper()
	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets/"+basketID+"/checkout", "", nil)
	if status != http.StatusCreated {
		t.Fatalf("checkout: %d %s", status, raw)
	}
	resp := decodeAs[checkoutResponse](t, raw)
	if !strings.HasPrefix(resp.OrderID, "ord_") || !strings.HasPrefix(resp.PaymentReference, "pay_") {
		t.Fatalf("checkout response %+v", resp)
	}
	return resp.OrderID, resp.PaymentReference
}

func TestHealthz(t *testing.T) {
	ts := newTestStack(t)
	status, raw := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz: %d %s", status, raw)
	}
}

func TestCartCheckoutFlow(t *testing.T) {
	ts := newTestStack(t)
	ts.seedProduct(t, "widget-1", 4.5)
	ts.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true})

	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets", "", map[string]any{
		"buyer":   buyerAddr,
		"chainId": testChain,
	})
	if status != http.StatusOK {
		t.Fatalf("create: %d %s", status, raw)
	}
	b := decodeAs[schema.Basket](t, raw)
	if !strings.HasPrefix(b.BasketID, "bkt_") || b.Status != schema.BasketDraft {
		t.Fatalf("created basket %+v", b)
	}

	status, raw = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{
		"items": []map[string]any{{
			"seller":        sellerAddr,
			"orderedItem":   map[string]any{"sku": "widget-1"},
			"orderQuantity": 2,
		}},
	})
	if status != http.StatusOK {
		t.Fatalf("patch: %d %s", status, raw)
	}
	b = decodeAs[schema.Basket](t, raw)
	if len(b.Items) != 1 || b.Items[0].OfferSnapshot == nil {
		t.Fatalf("items not canonicalized: %s", raw)
	}
	if !b.Items[0].OfferSnapshot.Price.Equal(decimal.NewFromFloat(4.5)) {
		t.Fatalf("snapshot price %s", b.Items[0].OfferSnapshot.Price)
	}
	if b.Items[0].ProductCID == "" {
		t.Fatal("product cid missing")
	}

	// Physical line without a buyer surface does not validate.
	status, raw = ts.do(t, http.MethodPost, "/api/cart/v1/baskets/"+b.BasketID+"/validate", "", nil)
	if status != http.StatusOK {
		t.Fatalf("validate: %d %s", status, raw)
	}
	result := decodeAs[cart.Result](t, raw)
	if result.Valid || len(result.Missing) == 0 {
		t.Fatalf("incomplete basket validated: %s", raw)
	}

	status, raw = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{
		"customer": map[string]any{"name": "Ada Lovelace"},
		"shippingAddress": map[string]any{
			"streetAddress":   "Hauptstr. 1",
			"addressLocality": "Berlin",
			"postalCode":      "10115",
			"addressCountry":  "DE",
		},
	})
	if status != http.StatusOK {
		t.Fatalf("patch surface: %d %s", status, raw)
	}
	status, raw = ts.do(t, http.MethodPost, "/api/cart/v1/baskets/"+b.BasketID+"/validate", "", nil)
	if status != http.StatusOK {
		t.Fatalf("validate: %d %s", status, raw)
	}
	result = decodeAs[cart.Result](t, raw)
	if !result.Valid {
		t.Fatalf("complete basket rejected: %s", raw)
	}

	status, raw = ts.do(t, http.MethodPost, "/api/cart/v1/baskets/"+b.BasketID+"/preview", "", nil)
	if status != http.StatusOK {
		t.Fatalf("preview: %d %s", status, raw)
	}
	preview := decodeAs[schema.Order](t, raw)
	if preview.TotalPaymentDue == nil || !preview.TotalPaymentDue.Price.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("preview total: %s", raw)
	}

	orderID, _ := ts.checkout(t, b.BasketID)

	status, raw = ts.do(t, http.MethodGet, "/api/cart/v1/baskets/"+b.BasketID, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get after checkout: %d %s", status, raw)
	}
	b = decodeAs[schema.Basket](t, raw)
	if b.Status != schema.BasketCheckedOut {
		t.Fatalf("status %q after checkout", b.Status)
	}

	// A checked out basket cannot be checked out or patched again.
	status, raw = ts.do(t, http.MethodPost, "/api/cart/v1/baskets/"+b.BasketID+"/checkout", "", nil)
	if status != http.StatusConflict {
		t.Fatalf("second checkout: %d %s", status, raw)
	}
	status, _ = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{"ttlSeconds": 3600})
	if status != http.StatusConflict {
		t.Fatalf("patch after checkout: %d", status)
	}

	// The persisted order is retrievable by its owner.
	token := mintToken(t, buyerAddr, testChain)
	status, raw = ts.do(t, http.MethodGet, "/api/cart/v1/orders/"+orderID, token, nil)
	if status != http.StatusOK {
		t.Fatalf("get order: %d %s", status, raw)
	}
	order := decodeAs[schema.Order](t, raw)
	if order.OrderStatus != schema.StatusPaymentDue {
		t.Fatalf("order status %q", order.OrderStatus)
	}
	if order.AcceptedOffer[0].FulfillmentEndpoint != nil {
		t.Fatal("fulfillment endpoint leaked")
	}
}

func TestCheckoutOneOffConflict(t *testing.T) {
	ts := newTestStack(t)
	ts.seedProduct(t, "artwork-7", 10)
	ts.seedRoute(t, routes.RouteConfig{SKU: "artwork-7", IsOneOff: true, Enabled: true})

	first := ts.readyBasket(t, "artwork-7", 1)
	ts.checkout(t, first)

	second := ts.readyBasket(t, "artwork-7", 1)
	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets/"+second+"/checkout", "", nil)
	if status != http.StatusConflict {
		t.Fatalf("sold one-off checkout: %d %s", status, raw)
	}
	body := decodeAs[errorBody](t, raw)
	if body.Details["reason"] != "oneOffAlreadySold" {
		t.Fatalf("conflict details %v", body.Details)
	}

	// The losing basket is not left frozen.
	status, raw = ts.do(t, http.MethodGet, "/api/cart/v1/baskets/"+second, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get basket: %d %s", status, raw)
	}
	b := decodeAs[schema.Basket](t, raw)
	if b.Status == schema.BasketCheckedOut {
		t.Fatal("losing basket left checked out")
	}
}

func TestPatchRejectsInventoryExceeded(t *testing.T) {
	ts := newTestStack(t)
	ts.seedProduct(t, "widget-1", 1)
	total := int64(1)
	ts.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true, TotalInventory: &total})

	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets", "", map[string]any{"chainId": testChain})
	if status != http.StatusOK {
		t.Fatalf("create: %d %s", status, raw)
	}
	b := decodeAs[schema.Basket](t, raw)
	status, raw = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{
		"items": []map[string]any{{
			"seller":        sellerAddr,
			"orderedItem":   map[string]any{"sku": "widget-1"},
			"orderQuantity": 2,
		}},
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("over-inventory patch: %d %s", status, raw)
	}
}

func TestPatchTTLBounds(t *testing.T) {
	ts := newTestStack(t)
	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets", "", nil)
	if status != http.StatusOK {
		t.Fatalf("create: %d %s", status, raw)
	}
	b := decodeAs[schema.Basket](t, raw)

	// An explicit zero is out of range, not "use the default".
	status, _ = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{"ttlSeconds": 0})
	if status != http.StatusBadRequest {
		t.Fatalf("ttlSeconds 0: %d", status)
	}
	status, _ = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{"ttlSeconds": basket.MaxTTLSeconds + 1})
	if status != http.StatusBadRequest {
		t.Fatalf("ttlSeconds over max: %d", status)
	}

	status, raw = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{"ttlSeconds": 3600})
	if status != http.StatusOK {
		t.Fatalf("ttlSeconds 3600: %d %s", status, raw)
	}
	b = decodeAs[schema.Basket](t, raw)
	if b.TTLSeconds != 3600 {
		t.Fatalf("ttlSeconds %d", b.TTLSeconds)
	}
}

func TestPatchRejectsUnknownField(t *testing.T) {
	ts := newTestStack(t)
	status, raw := ts.do(t, http.MethodPost, "/api/cart/v1/baskets", "", nil)
	if status != http.StatusOK {
		t.Fatalf("create: %d %s", status, raw)
	}
	b := decodeAs[schema.Basket](t, raw)
	status, _ = ts.do(t, http.MethodPatch, "/api/cart/v1/baskets/"+b.BasketID, "", map[string]any{"basketId": "bkt_x"})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", status)
	}
}

func TestBasketNotFoundAndMalformedID(t *testing.T) {
	ts := newTestStack(t)
	status, _ := ts.do(t, http.MethodGet, "/api/cart/v1/baskets/bkt_00000000000000000000000000000001", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing basket: %d", status)
	}
	status, _ = ts.do(t, http.MethodGet, "/api/cart/v1/baskets/not-an-id", "", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("malformed id: %d", status)
	}
}

func TestOrderEndpointsRequireAuth(t *testing.T) {
	ts := newTestStack(t)
	status, _ := ts.do(t, http.MethodGet, "/api/cart/v1/orders/by-buyer", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("no token: %d", status)
	}
	status, _ = ts.do(t, http.MethodGet, "/api/cart/v1/orders/by-buyer", "garbage", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", status)
	}
	claims := jwt.MapClaims{"address": buyerAddr, "chainId": testChain, "exp": time.Now().Add(time.Hour).Unix()}
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	status, _ = ts.do(t, http.MethodGet, "/api/cart/v1/orders/by-buyer", wrongKey, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", status)
	}
}

func TestOrderAccessSurfaces(t *testing.T) {
	ts := newTestStack(t)
	ts.seedProduct(t, "widget-1", 4.5)
	ts.seedRoute(t, routes.RouteConfig{SKU: "widget-1", OfferType: routes.OfferTypeERP, Enabled: true})

	basketID := ts.readyBasket(t, "widget-1", 1)
	orderID, _ := ts.checkout(t, basketID)

	buyer := mintToken(t, buyerAddr, testChain)
	seller := mintToken(t, sellerAddr, testChain)
	stranger := mintToken(t, otherAddr, testChain)

	// Ownership gate.
	status, _ := ts.do(t, http.MethodGet, "/api/cart/v1/orders/"+orderID, stranger, nil)
	if status != http.StatusNotFound {
		t.Fatalf("stranger read: %d", status)
	}

	status, raw := ts.do(t, http.MethodGet, "/api/cart/v1/orders/by-buyer", buyer, nil)
	if status != http.StatusOK {
		t.Fatalf("by-buyer: %d %s", status, raw)
	}
	var page struct {
		Orders []schema.Order `json:"orders"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Orders) != 1 || page.Orders[0].OrderID != orderID {
		t.Fatalf("by-buyer page: %s", raw)
	}

	// Batch keeps owned ids only and drops malformed ones silently.
	status, raw = ts.do(t, http.MethodPost, "/api/cart/v1/orders/batch", buyer, map[string]any{
		"orderIds": []string{orderID, "junk", "ord_00000000000000000000000000000000"},
	})
	if status != http.StatusOK {
		t.Fatalf("batch: %d %s", status, raw)
	}
	batch := decodeAs[batchResponse](t, raw)
	if len(batch.OrderIDs) != 1 || batch.OrderIDs[0] != orderID {
		t.Fatalf("batch result %v", batch.OrderIDs)
	}

	status, raw = ts.do(t, http.MethodGet, "/api/cart/v1/orders/"+orderID+"/status-history", buyer, nil)
	if status != http.StatusOK {
		t.Fatalf("history: %d %s", status, raw)
	}
	var history struct {
		History []orders.StatusChange `json:"history"`
	}
	if err := json.Unmarshal(raw, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 1 || history.History[0].NewStatus != schema.StatusPaymentDue {
		t.Fatalf("history: %s", raw)
	}
	status, _ = ts.do(t, http.MethodGet, "/api/cart/v1/orders/"+orderID+"/status-history", stranger, nil)
	if status != http.StatusNotFound {
		t.Fatalf("stranger history: %d", status)
	}

	// Seller projection.
	status, raw = ts.do(t, http.MethodGet, "/api/cart/v1/orders/"+orderID+"/as-seller", seller, nil)
	if status != http.StatusOK {
		t.Fatalf("as-seller: %d %s", status, raw)
	}
	status, _ = ts.do(t, http.MethodGet, "/api/cart/v1/orders/"+orderID+"/as-seller", stranger, nil)
	if status != http.StatusNotFound {
		t.Fatalf("stranger as-seller: %d", status)
	}
}

func TestOrderEventsStream(t *testing.T) {
	ts := newTestStack(t)
	token := mintToken(t, buyerAddr, testChain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.http.URL+"/api/cart/v1/orders/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type %q", got)
	}

	// The subscription registers after the headers are written.
	deadline := time.Now().Add(time.Second)
	for ts.buyerBus.SubscriberCount(buyerAddr, testChain) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ts.buyerBus.Publish(buyerAddr, testChain, bus.StatusEvent{
		OrderID:          "ord_00000000000000000000000000000001",
		PaymentReference: "pay_00000000000000000000000000000001",
		OldStatus:        schema.StatusPaymentDue,
		NewStatus:        schema.StatusPaymentProcessing,
		ChangedAt:        time.Now().UTC(),
	})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read event line: %v", err)
	}
	if strings.TrimSpace(line) != "event: order-status" {
		t.Fatalf("event line %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read data line: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("data line %q", line)
	}
	var event bus.StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.OrderID != "ord_00000000000000000000000000000001" || event.NewStatus != schema.StatusPaymentProcessing {
		t.Fatalf("event %+v", event)
	}
}
