package cdsi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/attested-lookup/connect"
	"github.com/ruteri/attested-lookup/route"
	"github.com/ruteri/attested-lookup/wire"
)

const (
	CloseRateLimited  = 4008
	CloseInvalidToken = 4101
)

// ErrorKind classifies lookup failures.
type ErrorKind int

const (
	KindProtocol ErrorKind = iota + 1
	KindInvalidResponse
	KindRateLimited
	KindParse
	KindInvalidToken
	KindNoTokenInResponse
	KindServer
	KindConnectTransport
	KindAttestationFailed
	KindInvalidProxyConfig
)

var kindNames = map[ErrorKind]string{
	KindProtocol:           "protocol",
	KindInvalidResponse:    "invalid_response",
	KindRateLimited:        "rate_limited",
	KindParse:              "parse",
	KindInvalidToken:       "invalid_token",
	KindNoTokenInResponse:  "no_token_in_response",
	KindServer:             "server",
	KindConnectTransport:   "connect_transport",
	KindAttestationFailed:  "attestation_failed",
	KindInvalidProxyConfig: "invalid_proxy_config",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

var (
	ErrProtocol           = errors.New("protocol error after establishing a connection")
	ErrInvalidResponse    = errors.New("invalid response received from the server")
	ErrRateLimited        = errors.New("rate limited")
	ErrParse              = errors.New("failed to parse the response from the server")
	ErrInvalidToken       = errors.New("request token was invalid")
	ErrNoTokenInResponse  = errors.New("server response did not include a token")
	ErrServer             = errors.New("server error")
	ErrConnectTransport   = errors.New("transport failed")
	ErrAttestationFailed  = errors.New("enclave attestation failed")
	ErrInvalidProxyConfig = errors.New("invalid proxy configuration")
)

var kindSentinels = map[ErrorKind]error{
	KindProtocol:           ErrProtocol,
	KindInvalidResponse:    ErrInvalidResponse,
	KindRateLimited:        ErrRateLimited,
	KindParse:              ErrParse,
	KindInvalidToken:       ErrInvalidToken,
	KindNoTokenInResponse:  ErrNoTokenInResponse,
	KindServer:             ErrServer,
	KindConnectTransport:   ErrConnectTransport,
	KindAttestationFailed:  ErrAttestationFailed,
	KindInvalidProxyConfig: ErrInvalidProxyConfig,
}

// LookupError is returned by every operation of this package.
type LookupError struct {
	Kind ErrorKind
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	// Reason is the server supplied text for KindServer.
	Reason string
	Err    error
}

func (e *LookupError) Error() string {
	msg := kindSentinels[e.Kind].Error()
	switch e.Kind {
	case KindRateLimited:
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	case KindServer:
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *LookupError) Unwrap() error { return e.Err }

func (e *LookupError) Is(target error) bool {
	return target != nil && kindSentinels[e.Kind] == target
}

func newError(kind ErrorKind, err error) *LookupError {
	return &LookupError{Kind: kind, Err: err}
}

type rateLimitReason struct {
	RetryAfter int64 `json:"retry_after"`
}

// fromClose maps a close frame received mid-session.
func fromClose(closeErr *connect.CloseError) *LookupError {
	switch {
	case closeErr.Code == CloseRateLimited:
		var reason rateLimitReason
		if err := json.Unmarshal([]byte(closeErr.Reason), &reason); err != nil || reason.RetryAfter < 0 {
			return newError(KindInvalidResponse, fmt.Errorf("unparseable rate limit reason %q", closeErr.Reason))
		}
		return &LookupError{Kind: KindRateLimited, RetryAfter: time.Duration(reason.RetryAfter) * time.Second}
	case closeErr.Code == CloseInvalidToken:
		return newError(KindInvalidToken, closeErr)
	case closeErr.Code == 1011 || (closeErr.Code >= 4000 && closeErr.Code < 5000):
		return &LookupError{Kind: KindServer, Reason: closeErr.Reason, Err: closeErr}
	}
	return newError(KindProtocol, closeErr)
}

// fromSession maps an error from sending or receiving on an open session.
func fromSession(err error) *LookupError {
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		return lookupErr
	}
	var closeErr *connect.CloseError
	if errors.As(err, &closeErr) {
		return fromClose(closeErr)
	}
	if errors.Is(err, wire.ErrDecode) {
		return newError(KindParse, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindConnectTransport, err)
	}
	return newError(KindProtocol, err)
}

// fromConnect maps an error from establishing a connection.
func fromConnect(err error) *LookupError {
	var transportErr *connect.TransportError
	var attestationErr *connect.AttestationFailedError
	switch {
	case errors.As(err, &attestationErr):
		return newError(KindAttestationFailed, err)
	case errors.As(err, &transportErr) && transportErr.RateLimited:
		return &LookupError{Kind: KindRateLimited, RetryAfter: transportErr.RetryAfter, Err: err}
	case errors.Is(err, route.ErrInvalidProxyConfig):
		return newError(KindInvalidProxyConfig, err)
	}
	return newError(KindConnectTransport, err)
}

// IsRetryable reports whether the same lookup may succeed if tried again.
// Rate limited lookups may only be retried after the returned delay.
// Attestation failures need fresh evidence and are not retryable.
func IsRetryable(err error) (retry bool, after time.Duration) {
	var lookupErr *LookupError
	if !errors.As(err, &lookupErr) {
		return errors.Is(err, context.DeadlineExceeded), 0
	}
	switch lookupErr.Kind {
	case KindRateLimited:
		return true, lookupErr.RetryAfter
	case KindConnectTransport:
		return true, 0
	}
	return false, 0
}
