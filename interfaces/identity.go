package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EnclaveIdentitySize is the length of an enclave measurement.
const EnclaveIdentitySize = 32

// ErrInvalidIdentityLength is returned when an identity is not exactly 32 bytes.
var ErrInvalidIdentityLength = errors.New("enclave identity must be exactly 32 bytes")

// EnclaveIdentity is the measurement identifying enclave code (MRENCLAVE).
type EnclaveIdentity [EnclaveIdentitySize]byte

// NewEnclaveIdentity copies a 32-byte measurement.
func NewEnclaveIdentity(raw []byte) (EnclaveIdentity, error) {
	if len(raw) != EnclaveIdentitySize {
		return EnclaveIdentity{}, fmt.Errorf("%w: got %d", ErrInvalidIdentityLength, len(raw))
	}

	var id EnclaveIdentity
	copy(id[:], raw)
	return id, nil
}

// NewEnclaveIdentityFromHex parses a hex encoded measurement, with or without 0x prefix.
func NewEnclaveIdentityFromHex(source string) (EnclaveIdentity, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(source), "0x"))
	if err != nil {
		return EnclaveIdentity{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewEnclaveIdentity(raw)
}

// String returns hex representation.
func (id EnclaveIdentity) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw measurement.
func (id EnclaveIdentity) Bytes() []byte {
	return id[:]
}

// SoftwareAdvisory identifies an accepted-risk outdated platform component,
// for example "INTEL-SA-00615".
type SoftwareAdvisory string

// AdvisorySet is an unordered set of advisories.
type AdvisorySet map[SoftwareAdvisory]struct{}

// NewAdvisorySet builds a set from advisory identifiers.
func NewAdvisorySet(ids ...SoftwareAdvisory) AdvisorySet {
	set := make(AdvisorySet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether the advisory is in the set.
func (s AdvisorySet) Contains(id SoftwareAdvisory) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the advisories in lexical order.
func (s AdvisorySet) Sorted() []SoftwareAdvisory {
	out := make([]SoftwareAdvisory, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AdvisoryPolicy is the external oracle deciding which advisories are an
// acceptable risk for a given enclave.
type AdvisoryPolicy interface {
	AdvisoriesFor(identity EnclaveIdentity) AdvisorySet
}

// AdvisoryPolicyFunc adapts a function to AdvisoryPolicy.
type AdvisoryPolicyFunc func(identity EnclaveIdentity) AdvisorySet

func (f AdvisoryPolicyFunc) AdvisoriesFor(identity EnclaveIdentity) AdvisorySet {
	return f(identity)
}

// NoAdvisories accepts no outdated components at all.
var NoAdvisories AdvisoryPolicy = AdvisoryPolicyFunc(func(EnclaveIdentity) AdvisorySet { return nil })
