package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credential material in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys name attributes whose values identify a wallet or carry
// credentials. Opaque gateway ids (orderId, basketId, payment references)
// stay readable.
var sensitiveKeys = map[string]struct{}{
	"address":       {},
	"buyer":         {},
	"seller":        {},
	"operator":      {},
	"customer":      {},
	"email":         {},
	"authorization": {},
	"token":         {},
	"apikey":        {},
	"secret":        {},
}

// SensitiveKey reports whether values logged under the key must be masked.
func SensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskAddress shortens a hex or eip155 address so operators can still
// correlate log lines without the full wallet identity. Anything that is not
// an address is fully redacted.
func MaskAddress(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	hex := trimmed
	if i := strings.LastIndex(hex, ":"); i >= 0 {
		hex = hex[i+1:]
	}
	if len(hex) == 42 && strings.HasPrefix(hex, "0x") {
		return hex[:6] + ".." + hex[len(hex)-4:]
	}
	return RedactedValue
}

// Redact masks sensitive attribute values. Setup installs it in the handler's
// ReplaceAttr chain so every log line is scrubbed regardless of call site.
func Redact(_ []string, attr slog.Attr) slog.Attr {
	if !SensitiveKey(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, MaskAddress(attr.Value.String()))
}
