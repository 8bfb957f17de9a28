// Package apperr defines the error kinds that survive from the core services
// to the CLI and HTTP boundaries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindScrapeNotFound    Kind = "SCRAPE_NOT_FOUND"
	KindResearchNotFound  Kind = "RESEARCH_NOT_FOUND"
	KindVersionNotFound   Kind = "VERSION_NOT_FOUND"
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindTimeout           Kind = "TIMEOUT"
	KindTransientStore    Kind = "TRANSIENT_STORE_ERROR"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
)

// Error carries a Kind alongside the message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports kind equality so errors.Is(err, apperr.RateLimited) style checks
// work against any wrapped *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Kind-only targets for errors.Is.
var (
	Validation        = &Error{Kind: KindValidation}
	NotFound          = &Error{Kind: KindNotFound}
	ScrapeNotFound    = &Error{Kind: KindScrapeNotFound}
	ResearchNotFound  = &Error{Kind: KindResearchNotFound}
	VersionNotFound   = &Error{Kind: KindVersionNotFound}
	RateLimitExceeded = &Error{Kind: KindRateLimitExceeded}
	Timeout           = &Error{Kind: KindTimeout}
	TransientStore    = &Error{Kind: KindTransientStore}
	Unavailable       = &Error{Kind: KindUnavailable}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Store wraps a failed store call as a transient store error.
func Store(err error, op string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return Wrap(KindTransientStore, err, "%s", op)
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal when the chain carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may retry after a backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimitExceeded, KindTimeout, KindTransientStore:
		return true
	default:
		return false
	}
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindScrapeNotFound, KindResearchNotFound, KindVersionNotFound:
		return http.StatusNotFound
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransientStore, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
