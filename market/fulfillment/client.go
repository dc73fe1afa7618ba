// Package fulfillment dispatches order notifications to seller-side adapter
// endpoints resolved from the routing table.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errskit "circlesmarket/errs"
	"circlesmarket/market/routes"
)

// Client defaults.
const (
	DefaultHeaderName  = "X-Circles-Service-Key"
	DefaultMaxHops     = 5
	DefaultTimeout     = 15 * time.Second
	maxResponseBody    = 64 << 10
	fulfillServiceKind = "fulfillment"
)

// Request is the payload posted to an adapter endpoint. PaymentReference is
// the adapter-side idempotency key.
type Request struct {
	OrderID          string          `json:"orderId"`
	PaymentReference string          `json:"paymentReference"`
	Trigger          string          `json:"trigger"`
	OccurredAt       time.Time       `json:"occurredAt"`
	Items            json.RawMessage `json:"items,omitempty"`
	SellerOrder      json.RawMessage `json:"sellerOrder,omitempty"`
}

// Response is what the adapter returned, body capped.
type Response struct {
	StatusCode int
	Body       []byte
}

// CredentialSource resolves outbound credentials per endpoint origin.
type CredentialSource interface {
	Credential(ctx context.Context, serviceKind, endpointOrigin string) (*routes.OutboundCredential, bool, error)
}

// Client posts fulfillment requests. Redirects are followed up to a hop
// limit and credentials never survive a cross-origin redirect.
type Client struct {
	http    *http.Client
	creds   CredentialSource
	maxHops int
}

// Option adjusts client behaviour.
type Option func(*Client)

// WithMaxHops bounds redirect following.
func WithMaxHops(hops int) Option {
	return func(c *Client) {
		if hops > 0 {
			c.maxHops = hops
		}
	}
}

// WithHTTPClient substitutes the transport. The redirect policy is applied
// on top of the supplied client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// NewClient builds a dispatch client. creds may be nil for anonymous
// endpoints.
func NewClient(creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: DefaultTimeout},
		creds:   creds,
		maxHops: DefaultMaxHops,
	}
	for _, opt := range opts {
		opt(c)
	}
	origin := func(u *url.URL) string {
		return strings.ToLower(u.Scheme + "://" + u.Host)
	}
	c.http.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxHops {
			return fmt.Errorf("stopped after %d redirects", c.maxHops)
		}
		// Strip the credential when a redirect leaves the origin it was
		// issued for.
		if origin(req.URL) != origin(via[0].URL) {
			for _, header := range []string{DefaultHeaderName, "Authorization"} {
				req.Header.Del(header)
			}
		}
		return nil
	}
	return c
}

// Dispatch posts the request to the endpoint. Transport failures and non-2xx
// statuses surface as KindUpstream.
func (c *Client) Dispatch(ctx context.Context, endpoint string, request Request) (*Response, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errskit.Newf(errskit.KindUpstream, "malformed fulfillment endpoint %q", endpoint)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode fulfillment request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, errskit.Wrap(errskit.KindUpstream, "build fulfillment request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.applyCredential(ctx, req, parsed); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errskit.Wrap(errskit.KindUpstream, "dispatch fulfillment", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errskit.Wrap(errskit.KindUpstream, "read fulfillment response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errskit.Newf(errskit.KindUpstream,
			"fulfillment endpoint returned status %d", resp.StatusCode)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// applyCredential attaches the configured outbound credential for the
// endpoint origin. No credential configured means the request goes out bare;
// Authorization is never synthesized.
func (c *Client) applyCredential(ctx context.Context, req *http.Request, endpoint *url.URL) error {
	if c.creds == nil {
		return nil
	}
	origin := strings.ToLower(endpoint.Scheme + "://" + endpoint.Host)
	cred, ok, err := c.creds.Credential(ctx, fulfillServiceKind, origin)
	if err != nil {
		return err
	}
	if !ok || !cred.Valid() {
		return nil
	}
	header := cred.HeaderName
	if strings.TrimSpace(header) == "" {
		header = DefaultHeaderName
	}
	req.Header.Set(header, cred.APIKey)
	return nil
}
