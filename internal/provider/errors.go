package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind int

const (
	// KindFailed is any failure that is not worth retrying.
	KindFailed Kind = iota
	// KindRateLimited means the provider refused the call for quota reasons.
	KindRateLimited
	// KindTimeout means an asynchronous call never reached a final status.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool { return kindOf(err) == KindRateLimited }

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

func kindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindFailed
}

var rateLimitMarkers = []string{
	"quota exceeded",
	"rate limit",
	"rate-limit",
	"usage limit",
	"too many requests",
}

// classify maps an HTTP status and body to a failure kind. Message matching
// stays here so callers only ever see a Kind.
func classify(status int, body string) Kind {
	if status == http.StatusTooManyRequests || status == http.StatusPaymentRequired {
		return KindRateLimited
	}
	lower := strings.ToLower(body)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return KindRateLimited
		}
	}
	return KindFailed
}
