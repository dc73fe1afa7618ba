// Package orders persists immutable order snapshots with their lifecycle
// columns, projection tables, the one-off sales ledger, and the per-order
// outbox.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	errskit "circlesmarket/errs"
	"circlesmarket/market/ids"
	"circlesmarket/market/schema"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    basket_id TEXT,
    order_json TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    buyer_address TEXT,
    buyer_chain_id INTEGER,
    payment_reference TEXT UNIQUE,
    paid_at TIMESTAMP,
    confirmed_at TIMESTAMP,
    finalized_at TIMESTAMP,
    paid_tx_hash TEXT,
    paid_log_index INTEGER,
    paid_chain_id INTEGER,
    paid_gateway TEXT,
    paid_amount_wei TEXT
);
CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_address, buyer_chain_id, created_at);

CREATE TABLE IF NOT EXISTS orders_status_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    old_status TEXT,
    new_status TEXT NOT NULL,
    changed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_history_order ON orders_status_history(order_id, changed_at);

CREATE TABLE IF NOT EXISTS order_sellers (
    order_id TEXT NOT NULL,
    seller_address TEXT NOT NULL,
    seller_chain_id INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (order_id, seller_address, seller_chain_id)
);
CREATE INDEX IF NOT EXISTS idx_order_sellers_seller ON order_sellers(seller_address, seller_chain_id);

CREATE TABLE IF NOT EXISTS order_line_sellers (
    order_id TEXT NOT NULL,
    line_index INTEGER NOT NULL,
    seller_address TEXT NOT NULL,
    seller_chain_id INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (order_id, line_index, seller_address, seller_chain_id)
);

CREATE TABLE IF NOT EXISTS one_off_sales (
    chain_id INTEGER NOT NULL,
    seller_address TEXT NOT NULL,
    sku TEXT NOT NULL,
    order_id TEXT NOT NULL,
    ordered_at TIMESTAMP NOT NULL,
    PRIMARY KEY (chain_id, seller_address, sku)
);

CREATE TABLE IF NOT EXISTS order_outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    source TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_outbox_order ON order_outbox(order_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
    payment_reference TEXT PRIMARY KEY,
    chain_id INTEGER NOT NULL,
    total_amount_wei TEXT NOT NULL,
    gateway_address TEXT,
    first_tx_hash TEXT,
    first_log_index INTEGER,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_events (
    payment_reference TEXT NOT NULL,
    tx_hash TEXT NOT NULL,
    log_index INTEGER NOT NULL,
    chain_id INTEGER NOT NULL,
    gateway_address TEXT,
    amount_wei TEXT,
    observed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (payment_reference, tx_hash, log_index)
);

CREATE TABLE IF NOT EXISTS payment_cursor (
    id TEXT PRIMARY KEY,
    block_number INTEGER NOT NULL,
    tx_index INTEGER NOT NULL,
    log_index INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store is the order persistence layer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initialises the store over a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("order store dsn must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open order database: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply order schema: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle; the schema must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// EnsureSchema applies the order schema on a shared handle.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(storeSchema)
	return err
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// lineSeller pairs a line index with its parsed seller identity.
type lineSeller struct {
	index   int
	chainID int64
	address string
}

// validateForCreate enforces the structural order invariants and returns the
// line->seller mapping.
func validateForCreate(order *schema.Order) ([]lineSeller, error) {
	if order == nil {
		return nil, errskit.New(errskit.KindInvalid, "order required")
	}
	if !ids.ValidOrderID(order.OrderID) {
		return nil, errskit.Newf(errskit.KindInvalid, "malformed order id %q", order.OrderID)
	}
	if !ids.ValidPaymentReference(order.PaymentReference) {
		return nil, errskit.Newf(errskit.KindInvalid, "malformed payment reference %q", order.PaymentReference)
	}
	if len(order.AcceptedOffer) != len(order.OrderedItem) {
		return nil, errskit.Newf(errskit.KindInvalid,
			"acceptedOffer length %d != orderedItem length %d",
			len(order.AcceptedOffer), len(order.OrderedItem))
	}
	if len(order.AcceptedOffer) == 0 {
		return nil, errskit.New(errskit.KindInvalid, "order has no lines")
	}
	sellers := make([]lineSeller, 0, len(order.AcceptedOffer))
	for i, offer := range order.AcceptedOffer {
		chainID, addr, err := ids.ParseSellerID(offer.Seller.ID)
		if err != nil {
			return nil, errskit.Newf(errskit.KindInvalid, "line %d: %v", i, err)
		}
		sellers = append(sellers, lineSeller{index: i, chainID: chainID, address: addr})
	}
	return sellers, nil
}

// parseBuyer extracts the owner tuple from customer.@id when present.
func parseBuyer(order *schema.Order) (string, int64, bool) {
	if order.Customer == nil {
		return "", 0, false
	}
	chainID, addr, err := ids.ParseSellerID(order.Customer.ID)
	if err != nil {
		return "", 0, false
	}
	return addr, chainID, true
}

// Create transactionally persists the order snapshot, its projections, and
// the one-off claims. A duplicate order id or payment reference yields
// KindConflict; a one-off collision aborts the whole transaction with a
// KindConflict error carrying the colliding key.
func (s *Store) Create(ctx context.Context, order *schema.Order) error {
	sellers, err := validateForCreate(order)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	now := s.now().UTC().Truncate(time.Second)
	status := order.OrderStatus
	if status == "" {
		status = schema.StatusPaymentDue
	}
	buyerAddr, buyerChain, hasBuyer := parseBuyer(order)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback()

	var buyerAddrArg, buyerChainArg any
	if hasBuyer {
		buyerAddrArg, buyerChainArg = buyerAddr, buyerChain
	}
	result, err := tx.ExecContext(ctx, `
        INSERT INTO orders(order_id, basket_id, order_json, status, created_at,
                           buyer_address, buyer_chain_id, payment_reference)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(order_id) DO NOTHING
    `, order.OrderID, order.BasketID, string(raw), status, now, buyerAddrArg, buyerChainArg, order.PaymentReference)
	if err != nil {
		// The order-id conflict is absorbed above; a unique failure here is
		// the payment_reference column.
		if isUniqueViolation(err) {
			return errskit.Newf(errskit.KindConflict,
				"payment reference %s already exists", order.PaymentReference)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if affected == 0 {
		return errskit.Newf(errskit.KindConflict, "order %s already exists", order.OrderID)
	}

	// Synthetic NULL -> initial status row.
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO orders_status_history(order_id, old_status, new_status, changed_at)
        VALUES(?, NULL, ?, ?)
    `, order.OrderID, status, now); err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	distinct := make(map[string]lineSeller)
	for _, seller := range sellers {
		key := fmt.Sprintf("%d|%s", seller.chainID, seller.address)
		distinct[key] = seller
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO order_line_sellers(order_id, line_index, seller_address, seller_chain_id, created_at)
            VALUES(?, ?, ?, ?, ?)
        `, order.OrderID, seller.index, seller.address, seller.chainID, now); err != nil {
			return fmt.Errorf("insert line seller: %w", err)
		}
	}
	for _, seller := range distinct {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO order_sellers(order_id, seller_address, seller_chain_id, created_at)
            VALUES(?, ?, ?, ?)
            ON CONFLICT(order_id, seller_address, seller_chain_id) DO NOTHING
        `, order.OrderID, seller.address, seller.chainID, now); err != nil {
			return fmt.Errorf("insert order seller: %w", err)
		}
	}

	for i, offer := range order.AcceptedOffer {
		if !offer.IsOneOff {
			continue
		}
		if order.OrderedItem[i].OrderQuantity != 1 {
			return errskit.Newf(errskit.KindUnprocessable,
				"one-off line %d requires quantity 1", i)
		}
		seller := sellers[i]
		sku := strings.ToLower(strings.TrimSpace(order.OrderedItem[i].OrderedItem.SKU))
		if err := claimOneOff(ctx, tx, seller.chainID, seller.address, sku, order.OrderID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// claimOneOff inserts a ledger row; an existing key signals a collision and
// aborts the enclosing transaction.
func claimOneOff(ctx context.Context, tx *sql.Tx, chainID int64, seller, sku, orderID string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
        INSERT INTO one_off_sales(chain_id, seller_address, sku, order_id, ordered_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(chain_id, seller_address, sku) DO NOTHING
    `, chainID, seller, sku, orderID, now)
	if err != nil {
		return fmt.Errorf("claim one-off: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim one-off: %w", err)
	}
	if affected == 0 {
		return errskit.Newf(errskit.KindConflict, "one-off already sold").
			WithDetails(map[string]any{
				"chainId": chainID,
				"seller":  seller,
				"sku":     sku,
			})
	}
	return nil
}

// IsSold reports whether a one-off key has already been claimed.
func (s *Store) IsSold(ctx context.Context, chainID int64, seller, sku string) (bool, error) {
	seller = strings.ToLower(strings.TrimSpace(seller))
	sku = strings.ToLower(strings.TrimSpace(sku))
	row := s.db.QueryRowContext(ctx, `
        SELECT COUNT(1) FROM one_off_sales
        WHERE chain_id = ? AND seller_address = ? AND sku = ?
    `, chainID, seller, sku)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("query one-off ledger: %w", err)
	}
	return count > 0, nil
}

type lifecycleColumns struct {
	status      string
	createdAt   time.Time
	paidAt      sql.NullTime
	confirmedAt sql.NullTime
	finalizedAt sql.NullTime
}

func overlay(order *schema.Order, cols lifecycleColumns) {
	order.OrderStatus = cols.status
	order.OrderDate = cols.createdAt.UTC()
	order.PaidAt = nullableTime(cols.paidAt)
	order.ConfirmedAt = nullableTime(cols.confirmedAt)
	order.FinalizedAt = nullableTime(cols.finalizedAt)
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func (s *Store) getWhere(ctx context.Context, where string, arg any, includeOutbox bool) (*schema.Order, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT order_id, order_json, status, created_at, paid_at, confirmed_at, finalized_at
        FROM orders WHERE `+where, arg)
	var orderID, raw string
	var cols lifecycleColumns
	if err := row.Scan(&orderID, &raw, &cols.status, &cols.createdAt, &cols.paidAt, &cols.confirmedAt, &cols.finalizedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query order: %w", err)
	}
	order := &schema.Order{}
	if err := json.Unmarshal([]byte(raw), order); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	overlay(order, cols)
	if includeOutbox {
		outbox, err := s.GetOutboxItems(ctx, orderID)
		if err != nil {
			return nil, err
		}
		order.Outbox = outbox
	}
	return order, nil
}

// Get returns the order snapshot with the lifecycle overlay and outbox.
func (s *Store) Get(ctx context.Context, orderID string) (*schema.Order, error) {
	return s.getWhere(ctx, "order_id = ?", orderID, true)
}

// GetInternal returns the snapshot without the outbox unless requested. Used
// by seller-safe reads that must not leak buyer outbox payloads.
func (s *Store) GetInternal(ctx context.Context, orderID string, includeOutbox bool) (*schema.Order, error) {
	return s.getWhere(ctx, "order_id = ?", orderID, includeOutbox)
}

// GetByPaymentReference returns the order correlated to a payment reference.
func (s *Store) GetByPaymentReference(ctx context.Context, reference string) (*schema.Order, error) {
	return s.getWhere(ctx, "payment_reference = ?", reference, false)
}

// ClampPageSize folds a requested page size into [1, 100].
func ClampPageSize(size int) int {
	if size < 1 {
		return 1
	}
	if size > 100 {
		return 100
	}
	return size
}

// GetByBuyer returns the buyer's orders newest first.
func (s *Store) GetByBuyer(ctx context.Context, buyer string, chainID int64, page, pageSize int) ([]*schema.Order, error) {
	buyer = strings.ToLower(strings.TrimSpace(buyer))
	pageSize = ClampPageSize(pageSize)
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT order_id, order_json, status, created_at, paid_at, confirmed_at, finalized_at
        FROM orders
        WHERE buyer_address = ? AND buyer_chain_id = ?
        ORDER BY created_at DESC, order_id DESC
        LIMIT ? OFFSET ?
    `, buyer, chainID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("query buyer orders: %w", err)
	}
	defer rows.Close()
	var out []*schema.Order
	for rows.Next() {
		var orderID, raw string
		var cols lifecycleColumns
		if err := rows.Scan(&orderID, &raw, &cols.status, &cols.createdAt, &cols.paidAt, &cols.confirmedAt, &cols.finalizedAt); err != nil {
			return nil, fmt.Errorf("scan buyer order: %w", err)
		}
		order := &schema.Order{}
		if err := json.Unmarshal([]byte(raw), order); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		overlay(order, cols)
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buyer orders: %w", err)
	}
	for _, order := range out {
		outbox, err := s.GetOutboxItems(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		order.Outbox = outbox
	}
	return out, nil
}

// GetOrderIdsBySeller lists order ids a seller participates in, newest first.
func (s *Store) GetOrderIdsBySeller(ctx context.Context, seller string, chainID int64, page, pageSize int) ([]string, error) {
	seller = strings.ToLower(strings.TrimSpace(seller))
	pageSize = ClampPageSize(pageSize)
	if page < 1 {
		page = 1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT os.order_id
        FROM order_sellers os
        JOIN orders o ON o.order_id = os.order_id
        WHERE os.seller_address = ? AND os.seller_chain_id = ?
        ORDER BY o.created_at DESC, o.order_id DESC
        LIMIT ? OFFSET ?
    `, seller, chainID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("query seller orders: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seller order id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetOrderLineIndicesForSeller returns the seller's line indices, ascending.
func (s *Store) GetOrderLineIndicesForSeller(ctx context.Context, orderID, seller string, chainID int64) ([]int, error) {
	seller = strings.ToLower(strings.TrimSpace(seller))
	rows, err := s.db.QueryContext(ctx, `
        SELECT line_index FROM order_line_sellers
        WHERE order_id = ? AND seller_address = ? AND seller_chain_id = ?
        ORDER BY line_index ASC
    `, orderID, seller, chainID)
	if err != nil {
		return nil, fmt.Errorf("query line sellers: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan line index: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// OrderContainsSeller reports seller participation via the projection table.
func (s *Store) OrderContainsSeller(ctx context.Context, orderID, seller string, chainID int64) (bool, error) {
	seller = strings.ToLower(strings.TrimSpace(seller))
	row := s.db.QueryRowContext(ctx, `
        SELECT COUNT(1) FROM order_sellers
        WHERE order_id = ? AND seller_address = ? AND seller_chain_id = ?
    `, orderID, seller, chainID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("query order sellers: %w", err)
	}
	return count > 0, nil
}

// GetOwnerByOrderId returns the stored owner tuple.
func (s *Store) GetOwnerByOrderId(ctx context.Context, orderID string) (string, int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT buyer_address, buyer_chain_id FROM orders WHERE order_id = ?
    `, orderID)
	var buyer sql.NullString
	var chainID sql.NullInt64
	if err := row.Scan(&buyer, &chainID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("query order owner: %w", err)
	}
	if !buyer.Valid || !chainID.Valid {
		return "", 0, false, nil
	}
	return buyer.String, chainID.Int64, true, nil
}

// StatusChange is one row of the append-only status history.
type StatusChange struct {
	OldStatus *string   `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
	ChangedAt time.Time `json:"changedAt"`
}

// GetStatusHistory returns status changes ascending by change time.
func (s *Store) GetStatusHistory(ctx context.Context, orderID string) ([]StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT old_status, new_status, changed_at
        FROM orders_status_history
        WHERE order_id = ?
        ORDER BY changed_at ASC, id ASC
    `, orderID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()
	var out []StatusChange
	for rows.Next() {
		var change StatusChange
		var old sql.NullString
		if err := rows.Scan(&old, &change.NewStatus, &change.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		if old.Valid {
			change.OldStatus = &old.String
		}
		change.ChangedAt = change.ChangedAt.UTC()
		out = append(out, change)
	}
	return out, rows.Err()
}

// AddOutboxItem appends a timestamped payload to the order's outbox.
func (s *Store) AddOutboxItem(ctx context.Context, orderID, source string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return errskit.New(errskit.KindInvalid, "outbox payload required")
	}
	if !json.Valid(payload) {
		return errskit.New(errskit.KindInvalid, "outbox payload must be valid JSON")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO order_outbox(order_id, payload, source, created_at)
        VALUES(?, ?, ?, ?)
    `, orderID, string(payload), strings.TrimSpace(source), s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	return nil
}

// GetOutboxItems returns the outbox ascending by creation time.
func (s *Store) GetOutboxItems(ctx context.Context, orderID string) ([]schema.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, payload, source, created_at
        FROM order_outbox
        WHERE order_id = ?
        ORDER BY created_at ASC, id ASC
    `, orderID)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()
	var out []schema.OutboxEntry
	for rows.Next() {
		var entry schema.OutboxEntry
		var payload string
		var source sql.NullString
		if err := rows.Scan(&entry.ID, &payload, &source, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		if source.Valid {
			entry.Source = source.String
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Unsettled describes a paid order still waiting on chain settlement.
type Unsettled struct {
	PaymentReference string
	TxHash           string
	ChainID          int64
	Confirmed        bool
}

// ListUnsettled returns paid orders whose finality has not been observed yet.
func (s *Store) ListUnsettled(ctx context.Context) ([]Unsettled, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payment_reference, paid_tx_hash, paid_chain_id, confirmed_at IS NOT NULL
        FROM orders
        WHERE paid_at IS NOT NULL AND finalized_at IS NULL
        ORDER BY paid_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query unsettled orders: %w", err)
	}
	defer rows.Close()
	var out []Unsettled
	for rows.Next() {
		var entry Unsettled
		var txHash sql.NullString
		var chainID sql.NullInt64
		if err := rows.Scan(&entry.PaymentReference, &txHash, &chainID, &entry.Confirmed); err != nil {
			return nil, fmt.Errorf("scan unsettled order: %w", err)
		}
		entry.TxHash = txHash.String
		entry.ChainID = chainID.Int64
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Cursor is the durable indexer position.
type Cursor struct {
	BlockNumber uint64
	TxIndex     uint64
	LogIndex    uint64
}

const cursorID = "payments"

// LoadCursor returns the persisted poller cursor, zero when absent.
func (s *Store) LoadCursor(ctx context.Context) (Cursor, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT block_number, tx_index, log_index FROM payment_cursor WHERE id = ?
    `, cursorID)
	var cursor Cursor
	if err := row.Scan(&cursor.BlockNumber, &cursor.TxIndex, &cursor.LogIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("query cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor persists the poller cursor after side effects commit.
func (s *Store) SaveCursor(ctx context.Context, cursor Cursor) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payment_cursor(id, block_number, tx_index, log_index, updated_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            block_number=excluded.block_number,
            tx_index=excluded.tx_index,
            log_index=excluded.log_index,
            updated_at=excluded.updated_at
    `, cursorID, cursor.BlockNumber, cursor.TxIndex, cursor.LogIndex, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
