// Package payments watches the chain indexer for gateway transfers and
// drives orders through paid, confirmed, and finalized.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	errskit "circlesmarket/errs"
)

// Event is one gateway transfer reported by the indexer.
type Event struct {
	BlockNumber      uint64
	TxIndex          uint64
	LogIndex         uint64
	TxHash           string
	ChainID          int64
	GatewayAddress   string
	From             string
	PaymentReference string
	AmountWei        string
}

// Head is the indexer's view of chain progress.
type Head struct {
	Latest    uint64
	Finalized uint64
}

// Indexer is the read surface the poller depends on.
type Indexer interface {
	Events(ctx context.Context, afterBlock, afterTx, afterLog uint64, limit int) ([]Event, error)
	Head(ctx context.Context) (Head, error)
	ReceiptBlock(ctx context.Context, txHash string) (uint64, bool, error)
}

const (
	defaultIndexerTimeout = 10 * time.Second
	maxIndexerBody        = 1 << 20
)

// Client talks to the HTTP indexer.
type Client struct {
	baseURL string
	chainID int64
	http    *http.Client
}

// NewClient builds an indexer client; a nil http.Client gets a default
// timeout.
func NewClient(baseURL string, chainID int64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultIndexerTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		chainID: chainID,
		http:    httpClient,
	}
}

// parseQuantity accepts both hex quantities and bare decimals. Indexers
// disagree on which encoding they emit for block numbers.
func parseQuantity(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		value, err := hexutil.DecodeUint64(strings.ToLower(raw))
		if err != nil {
			return 0, fmt.Errorf("parse hex quantity %q: %w", raw, err)
		}
		return value, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", raw, err)
	}
	return value, nil
}

type wireEvent struct {
	BlockNumber      string `json:"blockNumber"`
	TxIndex          string `json:"transactionIndex"`
	LogIndex         string `json:"logIndex"`
	TxHash           string `json:"transactionHash"`
	GatewayAddress   string `json:"gateway"`
	From             string `json:"from"`
	PaymentReference string `json:"paymentReference"`
	AmountWei        string `json:"amount"`
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errskit.Wrap(errskit.KindUpstream, "build indexer request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errskit.Wrap(errskit.KindUpstream, "query indexer", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexerBody))
	if err != nil {
		return resp.StatusCode, errskit.Wrap(errskit.KindUpstream, "read indexer response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, errskit.Newf(errskit.KindUpstream, "indexer returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, errskit.Wrap(errskit.KindUpstream, "decode indexer response", err)
	}
	return resp.StatusCode, nil
}

// Events fetches transfers strictly after the cursor position.
func (c *Client) Events(ctx context.Context, afterBlock, afterTx, afterLog uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{}
	query.Set("afterBlock", strconv.FormatUint(afterBlock, 10))
	query.Set("afterTx", strconv.FormatUint(afterTx, 10))
	query.Set("afterLog", strconv.FormatUint(afterLog, 10))
	query.Set("limit", strconv.Itoa(limit))
	var payload struct {
		Events []wireEvent `json:"events"`
	}
	if _, err := c.getJSON(ctx, c.baseURL+"/v1/transfers?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(payload.Events))
	for _, raw := range payload.Events {
		block, err := parseQuantity(raw.BlockNumber)
		if err != nil {
			return nil, errskit.Wrap(errskit.KindUpstream, "indexer event block", err)
		}
		txIndex, err := parseQuantity(raw.TxIndex)
		if err != nil {
			return nil, errskit.Wrap(errskit.KindUpstream, "indexer event tx index", err)
		}
		logIndex, err := parseQuantity(raw.LogIndex)
		if err != nil {
			return nil, errskit.Wrap(errskit.KindUpstream, "indexer event log index", err)
		}
		out = append(out, Event{
			BlockNumber:      block,
			TxIndex:          txIndex,
			LogIndex:         logIndex,
			TxHash:           strings.ToLower(strings.TrimSpace(raw.TxHash)),
			ChainID:          c.chainID,
			GatewayAddress:   strings.ToLower(strings.TrimSpace(raw.GatewayAddress)),
			From:             strings.ToLower(strings.TrimSpace(raw.From)),
			PaymentReference: raw.PaymentReference,
			AmountWei:        strings.TrimSpace(raw.AmountWei),
		})
	}
	return out, nil
}

// Head returns the indexer's latest and finalized block numbers.
func (c *Client) Head(ctx context.Context) (Head, error) {
	var payload struct {
		Latest    string `json:"latest"`
		Finalized string `json:"finalized"`
	}
	if _, err := c.getJSON(ctx, c.baseURL+"/v1/head", &payload); err != nil {
		return Head{}, err
	}
	latest, err := parseQuantity(payload.Latest)
	if err != nil {
		return Head{}, errskit.Wrap(errskit.KindUpstream, "indexer head latest", err)
	}
	head := Head{Latest: latest}
	if strings.TrimSpace(payload.Finalized) != "" {
		finalized, err := parseQuantity(payload.Finalized)
		if err != nil {
			return Head{}, errskit.Wrap(errskit.KindUpstream, "indexer head finalized", err)
		}
		head.Finalized = finalized
	}
	return head, nil
}

// ReceiptBlock returns the inclusion block of a transaction, false when the
// indexer has not seen it.
func (c *Client) ReceiptBlock(ctx context.Context, txHash string) (uint64, bool, error) {
	var payload struct {
		BlockNumber string `json:"blockNumber"`
	}
	endpoint := c.baseURL + "/v1/receipts/" + url.PathEscape(strings.ToLower(strings.TrimSpace(txHash)))
	status, err := c.getJSON(ctx, endpoint, &payload)
	if err != nil {
		if status == http.StatusNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	if strings.TrimSpace(payload.BlockNumber) == "" {
		return 0, false, nil
	}
	block, err := parseQuantity(payload.BlockNumber)
	if err != nil {
		return 0, false, errskit.Wrap(errskit.KindUpstream, "receipt block", err)
	}
	return block, true, nil
}
