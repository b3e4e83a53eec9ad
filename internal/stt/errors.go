package stt

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderConnectError is a failure to open a stream. It is retried with
// backoff; a rate limit on a scarce model also triggers model fallback.
type ProviderConnectError struct {
	Provider   Provider
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s connect failed (status %d): %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s connect failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderConnectError) Unwrap() error { return e.Err }

// IsRateLimited reports an HTTP 429 (or provider equivalent).
func (e *ProviderConnectError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether another attempt could succeed. Auth and request
// errors are permanent.
func (e *ProviderConnectError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return true
}

// ProviderStreamError is a failure after the stream was open. It is not
// retried mid-flight; the session closes.
type ProviderStreamError struct {
	Provider Provider
	Err      error
}

func (e *ProviderStreamError) Error() string {
	return fmt.Sprintf("%s stream failed: %v", e.Provider, e.Err)
}

func (e *ProviderStreamError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limited connect failure.
func IsRateLimited(err error) bool {
	var ce *ProviderConnectError
	return errors.As(err, &ce) && ce.IsRateLimited()
}

// IsRetryableConnect reports whether a connect failure may be retried.
func IsRetryableConnect(err error) bool {
	var ce *ProviderConnectError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}

// errClosed is returned by Send after Close.
var errClosed = errors.New("stt: stream closed")
