// Package inventory dereferences live inventory feeds published by sellers.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"circlesmarket/errs"
)

const (
	defaultTimeout = 5 * time.Second
	maxFeedBytes   = 64 << 10
)

// Client fetches an integer quantity from a feed URL. Timeout and redirect
// limits are enforced by the injected HTTP client.
type Client struct {
	http *http.Client
}

// NewClient wraps the supplied HTTP client; nil selects a bounded default.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: hc}
}

type feedPayload struct {
	Value *int64 `json:"value"`
}

// Quantity dereferences the feed and parses its integer value.
func (c *Client) Quantity(ctx context.Context, feedURL string) (int64, error) {
	feedURL = strings.TrimSpace(feedURL)
	if feedURL == "" {
		return 0, errs.New(errs.KindUpstream, "inventory feed url required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindUpstream, "build inventory request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errs.Wrap(errs.KindUpstream, "fetch inventory feed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errs.Newf(errs.KindUpstream, "inventory feed returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return 0, errs.Wrap(errs.KindUpstream, "read inventory feed", err)
	}
	if len(body) > maxFeedBytes {
		return 0, errs.Newf(errs.KindUpstream, "inventory feed exceeds %d bytes", maxFeedBytes)
	}
	var payload feedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, errs.Wrap(errs.KindUpstream, "parse inventory feed", err)
	}
	if payload.Value == nil {
		return 0, errs.New(errs.KindUpstream, "inventory feed missing value")
	}
	if *payload.Value < 0 {
		return 0, errs.New(errs.KindUpstream, fmt.Sprintf("inventory feed value %d is negative", *payload.Value))
	}
	return *payload.Value, nil
}
