// Package llmerr classifies provider failures so the invoker can tell
// transient provider trouble from cancellation and from caller mistakes.
package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the classified error contract shared by every strategy backend.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type base struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *base) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *base) Provider() string           { return e.provider }
func (e *base) StatusCode() int            { return e.statusCode }
func (e *base) Retryable() bool            { return e.retryable }
func (e *base) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ base }
type AuthenticationError struct{ base }
type AccessDeniedError struct{ base }
type NotFoundError struct{ base }
type RequestTimeoutError struct{ base }
type ContextLengthError struct{ base }
type ContentFilterError struct{ base }
type QuotaExceededError struct{ base }
type RateLimitError struct{ base }
type ServerError struct{ base }
type TransportError struct{ base }
type UnknownHTTPError struct{ base }

// FromHTTPStatus maps a provider HTTP status to a classified error.
func FromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	b := base{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		b.retryable = false
		// 400/422 are ambiguous; providers tunnel specific failures in text.
		if err := refineByMessage(b); err != nil {
			return err
		}
		return &InvalidRequestError{b}
	case 401:
		b.retryable = false
		return &AuthenticationError{b}
	case 403:
		b.retryable = false
		return &AccessDeniedError{b}
	case 404:
		b.retryable = false
		return &NotFoundError{b}
	case 408:
		b.retryable = true
		return &RequestTimeoutError{b}
	case 413:
		b.retryable = false
		return &ContextLengthError{b}
	case 429:
		b.retryable = true
		return &RateLimitError{b}
	case 500, 502, 503, 504:
		b.retryable = true
		return &ServerError{b}
	default:
		b.retryable = true
		return &UnknownHTTPError{b}
	}
}

func refineByMessage(b base) error {
	lower := strings.ToLower(b.message)
	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{b}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{b}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &QuotaExceededError{b}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return &NotFoundError{b}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key"):
		return &AuthenticationError{b}
	}
	return nil
}

// WrapTransport converts a non-HTTP failure (dial error, body read error,
// context expiry) into the unified hierarchy. Context cancellation and
// deadline errors keep their identity for errors.Is.
func WrapTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return err
	}
	return &TransportError{base{
		provider:  strings.TrimSpace(provider),
		message:   err.Error(),
		retryable: true,
	}}
}

// IsCancellation reports whether err means the caller's context ended, which
// aborts a strategy chain instead of advancing it.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Transient reports whether advancing to an alternative strategy is
// worthwhile. Unclassified errors count as transient: an alternative backend
// may well not share the fault.
func Transient(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var ce Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}

// HintedDelay extracts a provider-requested wait before the next attempt.
func HintedDelay(err error) *time.Duration {
	var ce Error
	if errors.As(err, &ce) {
		return ce.RetryAfter()
	}
	return nil
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date (RFC 7231).
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func IsAccessDeniedError(err error) bool {
	var e *AccessDeniedError
	return errors.As(err, &e)
}

func IsRateLimitError(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

func IsContentFilterError(err error) bool {
	var e *ContentFilterError
	return errors.As(err, &e)
}
