package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// AuthError means the venue refused the credentials. Fatal: never retried.
type AuthError struct {
	Venue  string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Venue, e.Reason)
}

// NetworkError covers timeouts, resets and malformed handshakes. Transient:
// the caller may retry with backoff.
type NetworkError struct {
	Venue string
	Op    string
	Err   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedOrderError means the venue declined the order (insufficient
// funds, invalid symbol, filter violation). Never retried.
type RejectedOrderError struct {
	Venue   string
	OrderID string
	Reason  string
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("%s: order rejected: %s", e.Venue, e.Reason)
}

// InvalidRequestError means the caller built a request the core cannot
// route. Never retried.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// VenueError covers non-2xx responses and malformed payloads that are not
// order rejections.
type VenueError struct {
	Venue   string
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: venue error %d: %s", e.Venue, e.Code, e.Message)
}

// AllVenuesUnavailableError is the terminal routing failure: every ranked
// venue exhausted its retries.
type AllVenuesUnavailableError struct {
	Symbol   string
	Attempts int
	Last     error
}

func (e *AllVenuesUnavailableError) Error() string {
	return fmt.Sprintf("all venues unavailable for %s after %d attempts: %v", e.Symbol, e.Attempts, e.Last)
}

func (e *AllVenuesUnavailableError) Unwrap() error { return e.Last }

// IsRetryable classifies an error by type, never by message text. Network
// failures and exceeded deadlines are retryable; everything else is
// surfaced immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout net.Error
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}

// IsAuthError reports whether err is a credential failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRejected reports whether err is a venue order rejection.
func IsRejected(err error) bool {
	var rejErr *RejectedOrderError
	return errors.As(err, &rejErr)
}
