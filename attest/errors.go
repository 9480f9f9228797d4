package attest

import (
	"errors"
	"fmt"
)

// Kind classifies verification failures. Kinds are ordered: a failure is
// reported with the kind of the first check that rejected the input.
type Kind int

const (
	KindParse Kind = iota + 1
	KindCrypto
	KindFreshness
	KindIdentityMismatch
)

var (
	ErrParse            = errors.New("malformed attestation")
	ErrCrypto           = errors.New("attestation signature verification failed")
	ErrFreshness        = errors.New("attestation not valid at the given time")
	ErrIdentityMismatch = errors.New("enclave identity mismatch")
)

func (k Kind) sentinel() error {
	switch k {
	case KindParse:
		return ErrParse
	case KindCrypto:
		return ErrCrypto
	case KindFreshness:
		return ErrFreshness
	case KindIdentityMismatch:
		return ErrIdentityMismatch
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned by Verify. errors.Is matches the sentinel of its Kind as
// well as the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func parseErr(format string, args ...any) error {
	return &Error{Kind: KindParse, Err: fmt.Errorf(format, args...)}
}

func cryptoErr(format string, args ...any) error {
	return &Error{Kind: KindCrypto, Err: fmt.Errorf(format, args...)}
}

func freshnessErr(format string, args ...any) error {
	return &Error{Kind: KindFreshness, Err: fmt.Errorf(format, args...)}
}

func identityErr(format string, args ...any) error {
	return &Error{Kind: KindIdentityMismatch, Err: fmt.Errorf(format, args...)}
}
