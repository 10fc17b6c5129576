// Package apperr holds the error kinds that may cross the HTTP boundary.
// Each constructor returns a *goerrors.Error carrying a category, the HTTP
// status, and a stable text code that clients see as the error "kind".
package apperr

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	KindBadRequest          = "bad_request"
	KindConflict            = "conflict"
	KindState               = "state"
	KindAuth                = "auth"
	KindNotFound            = "not_found"
	KindAggregatorRejected  = "aggregator_rejected"
	KindAggregatorTransient = "aggregator_transient"
	KindAggregatorTimeout   = "aggregator_timeout"
	KindInternal            = "internal"
)

func newError(message string, category goerrors.Category, code int, kind string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(kind)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// Conflict reports a competing open link session for the same user.
func Conflict(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, KindConflict, metadata)
}

// State reports an illegal state machine transition.
func State(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryConflict, http.StatusConflict, KindState, metadata)
}

// Auth reports a webhook that failed signature verification.
func Auth(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, KindAuth, nil)
}

func NotFound(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, KindNotFound, metadata)
}

func BadRequest(message string) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, KindBadRequest, nil)
}

// Internal wraps an unexpected failure. The cause stays reachable through
// errors.Unwrap but is never rendered to clients.
func Internal(source error, message string) error {
	return goerrors.Wrap(source, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(KindInternal)
}

// KindOf returns the text code of err, or "" when err carries none.
func KindOf(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind string) bool {
	return err != nil && KindOf(err) == kind
}
