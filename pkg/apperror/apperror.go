// Package apperror defines the closed set of error kinds the HTTP surface
// renders: argument errors, cache failures, internal data errors and
// domain not-found errors, each with its own status code and body shape.
package apperror

import "net/http"

// Kind is a closed enum of error categories. Keep it a tagged variant, not
// string-matched messages, so the HTTP layer can render consistent bodies.
type Kind int

const (
	// KindArgument marks a malformed path parameter.
	KindArgument Kind = iota
	// KindCache marks a cache failure after retries, a missing pointer, or
	// a pipeline failure.
	KindCache
	// KindInternalData marks a JSON parse failure on a cached block.
	KindInternalData
	// KindNotFound marks a domain not-found: height bounds, far-future, or
	// missing deep history.
	KindNotFound
)

// Tag values used in the NotFound JSON body's "type" field.
const (
	TagBlockHeightTooHigh = "BLOCK_HEIGHT_TOO_HIGH"
	TagBlockHeightTooLow  = "BLOCK_HEIGHT_TOO_LOW"
	TagBlockDoesNotExist  = "BLOCK_DOES_NOT_EXIST"
)

// Error is the typed error value the resolver and server exchange.
type Error struct {
	Kind    Kind
	Tag     string // only meaningful for KindNotFound
	Message string

	// Cacheable24h marks a NotFound response as safe to cache for 24h.
	Cacheable24h bool
}

func (e *Error) Error() string { return e.Message }

// StatusCode returns the HTTP status code for the error's kind.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindArgument:
		return http.StatusBadRequest
	case KindCache, KindInternalData:
		return http.StatusInternalServerError
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Argument returns a KindArgument error with the fixed "Invalid argument"
// message the external contract specifies.
func Argument() *Error {
	return &Error{Kind: KindArgument, Message: "Invalid argument"}
}

// Cache wraps a cache-layer failure.
func Cache(message string) *Error {
	return &Error{Kind: KindCache, Message: message}
}

// InternalData wraps a JSON-parse failure on a cached value.
func InternalData(message string) *Error {
	return &Error{Kind: KindInternalData, Message: message}
}

// NotFound builds a domain not-found error with its typed tag.
func NotFound(tag, message string, cacheable24h bool) *Error {
	return &Error{Kind: KindNotFound, Tag: tag, Message: message, Cacheable24h: cacheable24h}
}
