package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider error kinds. Match with errors.Is.
var (
	// ErrProviderUnavailable is a transient network, timeout or 5xx failure.
	ErrProviderUnavailable = errors.New("calendar provider unavailable")
	// ErrRateLimited means the provider asked the caller to slow down.
	ErrRateLimited = errors.New("calendar provider rate limited")
	// ErrUnauthorized means the bearer token was rejected. Not retried.
	ErrUnauthorized = errors.New("calendar provider rejected credentials")
	// ErrInvalidScope means the token lacks a required permission. Not retried.
	ErrInvalidScope = errors.New("calendar provider denied permission")
	// ErrNotFound means the event or subscription does not exist (anymore).
	ErrNotFound = errors.New("calendar resource not found")
	// ErrRejected is any other 4xx response. Not retried.
	ErrRejected = errors.New("calendar provider rejected request")
)

// ProviderError describes a failed call to the external calendar API.
type ProviderError struct {
	Kind       error
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%s", e.Message)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry_after=%s", e.RetryAfter)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// RetryAfterDelay returns the provider requested delay for rate-limited calls, zero otherwise.
func (e *ProviderError) RetryAfterDelay() time.Duration {
	if errors.Is(e.Kind, ErrRateLimited) {
		return e.RetryAfter
	}
	return 0
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidScope) || errors.Is(err, ErrRejected)
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == 401:
		return ErrUnauthorized
	case status == 403:
		return ErrInvalidScope
	case status == 404 || status == 410:
		return ErrNotFound
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrProviderUnavailable
	default:
		return ErrRejected
	}
}

// parseRetryAfter understands both delta-seconds and HTTP-date values.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
