// Package registry resolves seller profiles to canonical signed products via
// the name registry and the content-addressed store.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"circlesmarket/errs"
	"circlesmarket/market/content"
	"circlesmarket/market/ids"
	"circlesmarket/market/schema"
)

// Registry maps a seller identity to its current profile digest.
type Registry interface {
	ProfileDigest(ctx context.Context, chainID int64, seller string) (string, error)
}

// SignedLink is one entry of a seller profile's link index.
type SignedLink struct {
	Name      string `json:"name"`
	CID       string `json:"cid"`
	Signer    string `json:"signer"`
	Signature string `json:"signature,omitempty"`
}

// Profile is the decoded seller profile document.
type Profile struct {
	Type  string       `json:"@type,omitempty"`
	Name  string       `json:"name,omitempty"`
	Links []SignedLink `json:"links"`
}

// Product is the canonical signed product payload.
type Product struct {
	Type   string                `json:"@type,omitempty"`
	SKU    string                `json:"sku"`
	Name   string                `json:"name,omitempty"`
	Image  string                `json:"image,omitempty"`
	Offers *schema.OfferSnapshot `json:"offers,omitempty"`
}

// LinkVerifier checks that a signed link was produced by an authorized
// signer. Implementations for externally-owned and contract signers live
// outside this module.
type LinkVerifier interface {
	VerifyLink(ctx context.Context, link SignedLink, chainID int64, seller, operator string) error
}

// SignerMatchVerifier accepts links whose signer is the seller or operator.
type SignerMatchVerifier struct{}

// VerifyLink rejects links signed by anyone other than the seller or the
// operator curating the catalog.
func (SignerMatchVerifier) VerifyLink(_ context.Context, link SignedLink, _ int64, seller, operator string) error {
	signer := strings.ToLower(strings.TrimSpace(link.Signer))
	if signer == "" {
		return errs.Newf(errs.KindUnprocessable, "link %q is unsigned", link.Name)
	}
	if signer == strings.ToLower(seller) || (operator != "" && signer == strings.ToLower(operator)) {
		return nil
	}
	return errs.Newf(errs.KindUnprocessable, "link %q signed by unauthorized party", link.Name)
}

// Resolver walks registry -> profile -> link index -> product payload.
// Resolution is deterministic for a fixed store snapshot: the most recent
// matching link (last in index order) wins.
type Resolver struct {
	registry Registry
	store    content.Store
	verifier LinkVerifier
}

// NewResolver constructs a resolver. A nil verifier selects signer matching.
func NewResolver(reg Registry, store content.Store, verifier LinkVerifier) *Resolver {
	if verifier == nil {
		verifier = SignerMatchVerifier{}
	}
	return &Resolver{registry: reg, store: store, verifier: verifier}
}

// Resolve returns the canonical product for (chain, seller, operator, sku)
// together with its content digest.
func (r *Resolver) Resolve(ctx context.Context, chainID int64, seller, operator, sku string) (*Product, string, error) {
	sku = strings.ToLower(strings.TrimSpace(sku))
	if sku == "" {
		return nil, "", errs.New(errs.KindInvalid, "sku required")
	}
	digest, err := r.registry.ProfileDigest(ctx, chainID, seller)
	if err != nil {
		return nil, "", err
	}
	raw, err := r.store.Get(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, "", errs.Wrap(errs.KindUnprocessable, "malformed seller profile", err)
	}
	wanted := "product/" + sku
	var link *SignedLink
	for i := range profile.Links {
		if strings.EqualFold(strings.TrimSpace(profile.Links[i].Name), wanted) {
			link = &profile.Links[i]
		}
	}
	if link == nil {
		return nil, "", errs.Newf(errs.KindNotFound, "no product link for sku %q", sku)
	}
	if err := r.verifier.VerifyLink(ctx, *link, chainID, seller, operator); err != nil {
		return nil, "", err
	}
	payload, err := r.store.Get(ctx, link.CID)
	if err != nil {
		return nil, "", err
	}
	var product Product
	if err := json.Unmarshal(payload, &product); err != nil {
		return nil, "", errs.Wrap(errs.KindUnprocessable, "malformed product payload", err)
	}
	product.SKU = strings.ToLower(strings.TrimSpace(product.SKU))
	if product.SKU == "" {
		product.SKU = sku
	}
	return &product, link.CID, nil
}

// StaticRegistry is a concurrency-safe in-memory Registry keyed by
// (chain, seller). It backs tests and single-node deployments where the
// upstream name service publishes digests out of band.
type StaticRegistry struct {
	mu      sync.RWMutex
	digests map[string]string
}

// NewStaticRegistry constructs an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{digests: make(map[string]string)}
}

func registryKey(chainID int64, seller string) string {
	return ids.SellerID(chainID, strings.ToLower(strings.TrimSpace(seller)))
}

// Set records the current profile digest for a seller.
func (r *StaticRegistry) Set(chainID int64, seller, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digests[registryKey(chainID, seller)] = digest
}

// ProfileDigest returns the recorded digest or KindNotFound.
func (r *StaticRegistry) ProfileDigest(_ context.Context, chainID int64, seller string) (string, error) {
	r.mu.RLock()
	digest, ok := r.digests[registryKey(chainID, seller)]
	r.mu.RUnlock()
	if !ok {
		return "", errs.Newf(errs.KindNotFound, "no profile for seller %s", seller)
	}
	return digest, nil
}
