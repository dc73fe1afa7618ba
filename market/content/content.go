// Package content defines the content-addressed object store consumed by the
// product resolver, plus a read-through cache that collapses concurrent
// fetches of the same digest.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/sync/singleflight"

	"circlesmarket/errs"
)

// DefaultMaxObjectBytes caps stored and fetched object sizes.
const DefaultMaxObjectBytes = 1 << 20 // 1 MiB

// Store is the external content-addressed object store.
type Store interface {
	// Get returns the bytes for a digest or a KindNotFound error.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Add stores the bytes and returns their digest.
	Add(ctx context.Context, data []byte) (string, error)
}

// Digest computes the canonical hex digest for a payload.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:])
}

// MemoryStore is an in-process Store used by tests and single-node deploys.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	maxBytes int
}

// NewMemoryStore constructs an empty store with the default size cap.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), maxBytes: DefaultMaxObjectBytes}
}

// Add stores the payload and returns its digest.
func (s *MemoryStore) Add(_ context.Context, data []byte) (string, error) {
	if len(data) > s.maxBytes {
		return "", errs.Newf(errs.KindInvalid, "object exceeds %d bytes", s.maxBytes)
	}
	digest := Digest(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[digest] = append([]byte(nil), data...)
	return digest, nil
}

// Get returns a copy of the stored payload.
func (s *MemoryStore) Get(_ context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[digest]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "object %s not found", digest)
	}
	return append([]byte(nil), data...), nil
}

// CachedStore wraps a Store with an in-process cache. A per-digest
// single-flight gate ensures only one upstream fetch is in flight per digest;
// the gate entry is released once the flight completes, so idle digests hold
// no memory beyond the cached bytes.
type CachedStore struct {
	inner    Store
	group    singleflight.Group
	mu       sync.RWMutex
	cache    map[string][]byte
	maxBytes int
}

// NewCachedStore wraps the inner store. maxBytes <= 0 selects the default cap.
func NewCachedStore(inner Store, maxBytes int) *CachedStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &CachedStore{inner: inner, cache: make(map[string][]byte), maxBytes: maxBytes}
}

// Get returns the cached payload or fetches it through the flight gate.
func (c *CachedStore) Get(ctx context.Context, digest string) ([]byte, error) {
	c.mu.RLock()
	data, ok := c.cache[digest]
	c.mu.RUnlock()
	if ok {
		return append([]byte(nil), data...), nil
	}
	fetched, err, _ := c.group.Do(digest, func() (any, error) {
		data, err := c.inner.Get(ctx, digest)
		if err != nil {
			return nil, err
		}
		if len(data) > c.maxBytes {
			return nil, errs.Newf(errs.KindUpstream, "object %s exceeds %d bytes", digest, c.maxBytes)
		}
		c.mu.Lock()
		c.cache[digest] = data
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	payload := fetched.([]byte)
	return append([]byte(nil), payload...), nil
}

// Add writes through to the inner store and primes the cache.
func (c *CachedStore) Add(ctx context.Context, data []byte) (string, error) {
	if len(data) > c.maxBytes {
		return "", errs.Newf(errs.KindInvalid, "object exceeds %d bytes", c.maxBytes)
	}
	digest, err := c.inner.Add(ctx, data)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.cache[digest] = append([]byte(nil), data...)
	c.mu.Unlock()
	return digest, nil
}
