// Package errs provides the typed error envelope shared across the market
// gateway. Handlers never inspect error strings; they branch on the Kind and
// map it to an HTTP status at the boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies an error category.
type Kind string

const (
	// KindInvalid indicates malformed caller input.
	KindInvalid Kind = "invalid_input"
	// KindUnauthenticated indicates missing or invalid identity claims.
	KindUnauthenticated Kind = "unauthenticated"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not_found"
	// KindGone indicates a resource that expired and is no longer readable.
	KindGone Kind = "gone"
	// KindConflict indicates a concurrent mutation or uniqueness conflict.
	KindConflict Kind = "conflict"
	// KindUnprocessable indicates a canonicalization or shape failure.
	KindUnprocessable Kind = "unprocessable"
	// KindUpstream indicates a dependency or configuration failure upstream.
	KindUpstream Kind = "upstream_failure"
	// KindRateLimited indicates a rate-limiter rejection.
	KindRateLimited Kind = "rate_limited"
	// KindInternal captures uncategorized failures.
	KindInternal Kind = "internal"
)

// E is the structured error carried between layers.
type E struct {
	Kind    Kind
	Message string
	Details map[string]any

	cause error
}

// New constructs an error of the given kind.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: strings.TrimSpace(message)}
}

// Newf constructs an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message.
func Wrap(kind Kind, message string, cause error) *E {
	return &E{Kind: kind, Message: strings.TrimSpace(message), cause: cause}
}

// WithDetails attaches contextual identifiers surfaced in the error body.
func (e *E) WithDetails(details map[string]any) *E {
	if e == nil {
		return nil
	}
	e.Details = details
	return e
}

// WithDetail attaches a single contextual identifier.
func (e *E) WithDetail(key string, value any) *E {
	if e == nil {
		return nil
	}
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		if e.Message != "" {
			return e.Message + ": " + e.cause.Error()
		}
		return e.cause.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf extracts attached details from an error chain, if any.
func DetailsOf(err error) map[string]any {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Details
	}
	return nil
}

// HTTPStatus maps an error kind to its boundary status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
