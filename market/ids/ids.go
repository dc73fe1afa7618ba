// Package ids mints and validates the public identifiers used on the wire:
// basket ids, order ids, payment references, and eip155 seller identities.
package ids

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"circlesmarket/errs"
)

const (
	// BasketPrefix is the public basket id prefix.
	BasketPrefix = "bkt_"
	// OrderPrefix is the public order id prefix.
	OrderPrefix = "ord_"
	// PaymentPrefix is the public payment reference prefix.
	PaymentPrefix = "pay_"
)

var (
	basketIDPattern = regexp.MustCompile(`^bkt_[0-9A-F]{32}$`)
	orderIDPattern  = regexp.MustCompile(`^ord_[0-9A-F]{32}$`)
	paymentPattern  = regexp.MustCompile(`^pay_[0-9A-F]{32}$`)
)

func newToken(prefix string) string {
	id := uuid.New()
	return prefix + strings.ToUpper(hex.EncodeToString(id[:]))
}

// NewBasketID mints a fresh basket identifier.
func NewBasketID() string { return newToken(BasketPrefix) }

// NewOrderID mints a fresh order identifier.
func NewOrderID() string { return newToken(OrderPrefix) }

// NewPaymentReference mints a fresh public payment reference.
func NewPaymentReference() string { return newToken(PaymentPrefix) }

// ValidBasketID reports whether s is a well-formed basket id.
func ValidBasketID(s string) bool { return basketIDPattern.MatchString(s) }

// ValidOrderID reports whether s is a well-formed order id.
func ValidOrderID(s string) bool { return orderIDPattern.MatchString(s) }

// ValidPaymentReference reports whether s is a well-formed payment reference.
func ValidPaymentReference(s string) bool { return paymentPattern.MatchString(s) }

// NormalizePaymentReference trims the raw reference, uppercases the hex tail,
// and rejects anything that does not match the public format.
func NormalizePaymentReference(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errs.New(errs.KindInvalid, "payment reference required")
	}
	if len(trimmed) <= len(PaymentPrefix) || !strings.EqualFold(trimmed[:len(PaymentPrefix)], PaymentPrefix) {
		return "", errs.Newf(errs.KindInvalid, "malformed payment reference %q", raw)
	}
	normalized := PaymentPrefix + strings.ToUpper(trimmed[len(PaymentPrefix):])
	if !paymentPattern.MatchString(normalized) {
		return "", errs.Newf(errs.KindInvalid, "malformed payment reference %q", raw)
	}
	return normalized, nil
}

// NormalizeAddress canonicalizes a 20-byte hex address: trimmed, 0x-prefixed,
// 40 hex nybbles, lowercased. Anything else is rejected.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) != 42 || !strings.HasPrefix(trimmed, "0x") {
		return "", errs.Newf(errs.KindInvalid, "malformed address %q", raw)
	}
	if !common.IsHexAddress(trimmed) {
		return "", errs.Newf(errs.KindInvalid, "malformed address %q", raw)
	}
	return strings.ToLower(trimmed), nil
}

// SellerID renders the canonical eip155 identity for a seller address.
func SellerID(chainID int64, address string) string {
	return fmt.Sprintf("eip155:%d:%s", chainID, address)
}

// ParseSellerID splits an eip155 identity into its chain id and normalized
// address.
func ParseSellerID(id string) (int64, string, error) {
	parts := strings.Split(strings.TrimSpace(id), ":")
	if len(parts) != 3 || parts[0] != "eip155" {
		return 0, "", errs.Newf(errs.KindInvalid, "malformed seller id %q", id)
	}
	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || chainID <= 0 {
		return 0, "", errs.Newf(errs.KindInvalid, "malformed seller chain in %q", id)
	}
	addr, err := NormalizeAddress(parts[2])
	if err != nil {
		return 0, "", errs.Newf(errs.KindInvalid, "malformed seller address in %q", id)
	}
	return chainID, addr, nil
}
