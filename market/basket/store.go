// Package basket owns the mutable pre-checkout container: lifecycle-managed
// storage with TTL and optimistic freeze, plus server-side canonicalization
// of basket lines.
package basket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"

	errskit "circlesmarket/errs"
	"circlesmarket/market/ids"
	"circlesmarket/market/schema"
)

// TTL bounds for baskets.
const (
	DefaultTTLSeconds = 24 * 60 * 60
	MinTTLSeconds     = 1
	MaxTTLSeconds     = 7 * 24 * 60 * 60
)

// MaxItems bounds the number of basket lines.
const MaxItems = 500

// Quantity bounds per line.
const (
	MinOrderQuantity = 1
	MaxOrderQuantity = 1_000_000
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS baskets (
    basket_id TEXT PRIMARY KEY,
    basket_json TEXT NOT NULL,
    status TEXT NOT NULL,
    modified_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baskets_expires ON baskets(expires_at);
`

// Store persists baskets. Mutations for a given id are linearized by a
// per-record lock; every externally visible basket is a deep clone.
type Store struct {
	db           *sql.DB
	locks        sync.Map // basket id -> *sync.Mutex
	primaryChain int64
	defaultTTL   int64
	now          func() time.Time
}

// Open initialises the basket store over a sqlite-compatible DSN.
func Open(dsn string, primaryChain int64) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("basket store dsn must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open basket database: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply basket schema: %w", err)
	}
	return NewStore(db, primaryChain), nil
}

// NewStore wraps an existing handle; the schema must already be applied.
func NewStore(db *sql.DB, primaryChain int64) *Store {
	return &Store{
		db:           db,
		primaryChain: primaryChain,
		defaultTTL:   DefaultTTLSeconds,
		now:          time.Now,
	}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema applies the basket schema on a shared handle.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(storeSchema)
	return err
}

func (s *Store) lock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ClampTTL folds a requested TTL into the allowed window, rejecting values
// outside it.
func ClampTTL(seconds int64) (int64, error) {
	if seconds == 0 {
		return DefaultTTLSeconds, nil
	}
	if seconds < MinTTLSeconds || seconds > MaxTTLSeconds {
		return 0, errskit.Newf(errskit.KindInvalid, "ttlSeconds %d outside [%d, %d]", seconds, MinTTLSeconds, MaxTTLSeconds)
	}
	return seconds, nil
}

// Create mints a fresh Draft basket. Buyer and operator may be empty until
// the first authenticated mutation; a zero chain selects the primary chain.
func (s *Store) Create(ctx context.Context, operator, buyer string, chainID int64) (*schema.Basket, error) {
	if chainID <= 0 {
		chainID = s.primaryChain
	}
	now := s.now().UTC().Truncate(time.Second)
	b := &schema.Basket{
		Context:    schema.NewBasketContext(),
		Type:       "circles:Basket",
		BasketID:   ids.NewBasketID(),
		Status:     schema.BasketDraft,
		Version:    0,
		ChainID:    chainID,
		Buyer:      strings.ToLower(strings.TrimSpace(buyer)),
		Operator:   strings.ToLower(strings.TrimSpace(operator)),
		TTLSeconds: s.defaultTTL,
		CreatedAt:  now,
		ModifiedAt: now,
		ExpiresAt:  now.Add(time.Duration(s.defaultTTL) * time.Second),
		Items:      []schema.BasketItem{},
	}
	if err := s.insert(ctx, b); err != nil {
		return nil, err
	}
	return schema.CloneBasket(b)
}

func (s *Store) insert(ctx context.Context, b *schema.Basket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode basket: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO baskets(basket_id, basket_json, status, modified_at, expires_at, version)
        VALUES(?, ?, ?, ?, ?, ?)
    `, b.BasketID, string(raw), b.Status, b.ModifiedAt, b.ExpiresAt, b.Version)
	if err != nil {
		return fmt.Errorf("insert basket: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*schema.Basket, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT basket_json FROM baskets WHERE basket_id = ?
    `, id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query basket: %w", err)
	}
	b := &schema.Basket{}
	if err := json.Unmarshal([]byte(raw), b); err != nil {
		return nil, fmt.Errorf("decode basket: %w", err)
	}
	return b, nil
}

func (s *Store) persist(ctx context.Context, b *schema.Basket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode basket: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE baskets
        SET basket_json = ?, status = ?, modified_at = ?, expires_at = ?, version = ?
        WHERE basket_id = ?
    `, string(raw), b.Status, b.ModifiedAt, b.ExpiresAt, b.Version, b.BasketID)
	if err != nil {
		return fmt.Errorf("update basket: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update basket: %w", err)
	}
	if affected == 0 {
		return errskit.Newf(errskit.KindNotFound, "basket %s not found", b.BasketID)
	}
	return nil
}

func (s *Store) expired(b *schema.Basket) bool {
	if b.Status == schema.BasketExpired {
		return true
	}
	return !s.now().UTC().Before(b.ExpiresAt)
}

// Get returns a clone of the basket and whether it has expired. A missing id
// yields (nil, false, nil).
func (s *Store) Get(ctx context.Context, id string) (*schema.Basket, bool, error) {
	b, err := s.load(ctx, id)
	if err != nil || b == nil {
		return nil, false, err
	}
	clone, err := schema.CloneBasket(b)
	if err != nil {
		return nil, false, err
	}
	return clone, s.expired(b), nil
}

// Patch runs the mutator on a deep clone, bumps the version, refreshes the
// TTL, and persists. The mutator never sees stored state and must not assume
// its input survives on error.
func (s *Store) Patch(ctx context.Context, id string, mutate func(*schema.Basket) error) (*schema.Basket, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errskit.Newf(errskit.KindNotFound, "basket %s not found", id)
	}
	if s.expired(b) {
		return nil, errskit.Newf(errskit.KindGone, "basket %s expired", id)
	}
	if b.Status == schema.BasketCheckedOut {
		return nil, errskit.Newf(errskit.KindConflict, "basket %s already checked out", id)
	}
	work, err := schema.CloneBasket(b)
	if err != nil {
		return nil, err
	}
	if err := mutate(work); err != nil {
		return nil, err
	}
	ttl, err := ClampTTL(work.TTLSeconds)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Second)
	work.BasketID = b.BasketID
	work.Version = b.Version + 1
	work.TTLSeconds = ttl
	work.ModifiedAt = now
	work.ExpiresAt = now.Add(time.Duration(ttl) * time.Second)
	if err := s.persist(ctx, work); err != nil {
		return nil, err
	}
	return schema.CloneBasket(work)
}

// Unfreeze reverts a CheckedOut basket to Valid after a failed order
// creation whose cause is retryable, e.g. a one-off collision. No-op when
// the basket is not frozen.
func (s *Store) Unfreeze(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		return errskit.Newf(errskit.KindNotFound, "basket %s not found", id)
	}
	if b.Status != schema.BasketCheckedOut {
		return nil
	}
	b.Status = schema.BasketValid
	b.Version++
	b.ModifiedAt = s.now().UTC().Truncate(time.Second)
	return s.persist(ctx, b)
}

// TryFreezeAndRead atomically transitions the basket to CheckedOut when it is
// not already frozen and, when expectedVersion is supplied, the version still
// matches. Returns nil when the guard fails.
func (s *Store) TryFreezeAndRead(ctx context.Context, id string, expectedVersion *int64) (*schema.Basket, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errskit.Newf(errskit.KindNotFound, "basket %s not found", id)
	}
	if s.expired(b) {
		return nil, errskit.Newf(errskit.KindGone, "basket %s expired", id)
	}
	if b.Status == schema.BasketCheckedOut {
		return nil, nil
	}
	if expectedVersion != nil && *expectedVersion != b.Version {
		return nil, nil
	}
	b.Status = schema.BasketCheckedOut
	b.Version++
	b.ModifiedAt = s.now().UTC().Truncate(time.Second)
	if err := s.persist(ctx, b); err != nil {
		return nil, err
	}
	return schema.CloneBasket(b)
}
