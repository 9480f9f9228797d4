package connect

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/attested-lookup/route"
)

var (
	ErrNetworkChanged = errors.New("network changed while connecting")
	ErrNoRoutes       = errors.New("no routes to connect over")
	ErrClosed         = errors.New("connection closed")
)

// TransportError is a retryable failure to reach the service over a route.
type TransportError struct {
	Route route.Route
	// RateLimited is set when the service refused the upgrade with 429.
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *TransportError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("connect over %s: rate limited, retry after %s", e.Route, e.RetryAfter)
	}
	return fmt.Sprintf("connect over %s: %v", e.Route, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AttestationFailedError means the service was reached but could not prove
// it runs the expected enclave. Retrying needs fresh evidence.
type AttestationFailedError struct {
	Route route.Route
	Err   error
}

func (e *AttestationFailedError) Error() string {
	return fmt.Sprintf("attestation over %s failed: %v", e.Route, e.Err)
}

func (e *AttestationFailedError) Unwrap() error { return e.Err }

// CloseError reports the close frame sent by the service.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed by server with code %d: %s", e.Code, e.Reason)
}
