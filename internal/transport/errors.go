package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies transport failures so callers can branch without parsing messages
type Kind int

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindRateLimited
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrRateLimited  = errors.New("transport: rate limited")
	ErrUnavailable  = errors.New("transport: unavailable")
)

func (k Kind) sentinel() error {
	switch k {
	case KindBadRequest:
		return ErrBadRequest
	case KindUnauthorized:
		return ErrUnauthorized
	case KindForbidden:
		return ErrForbidden
	case KindNotFound:
		return ErrNotFound
	case KindRateLimited:
		return ErrRateLimited
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

// Error is a failed Bot API call. Callers can use errors.As to inspect it
// or errors.Is with one of the Err* sentinels:
//
//	if errors.Is(err, transport.ErrNotFound) { ... }
type Error struct {
	// Method is the Bot API method, e.g. "copyMessage".
	Method string
	Kind   Kind
	// Code is the error_code from the API, or 0 for network failures.
	Code        int
	Description string
	// RetryAfter is set for rate-limited calls.
	RetryAfter time.Duration
	// Err is the underlying network error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Method, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s: %s (%d): %s", e.Method, e.Kind, e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error
func KindOf(err error) Kind {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Kind
	}
	return KindUnknown
}

// classify maps a Bot API error response to a Kind
func classify(code int, description string) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(description), "not found") {
			return KindNotFound
		}
		return KindBadRequest
	case code >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}
