package enclave

import (
	"time"

	"github.com/ruteri/attested-lookup/attest"
	"github.com/ruteri/attested-lookup/interfaces"
	"github.com/ruteri/attested-lookup/wire"
)

// NewCDS2Handshake starts a contact discovery session from the enclave's
// handshake-start frame. Contact discovery enclaves always use post-quantum
// key agreement and their raft cohort is pinned by identity, so raft
// validation is skipped.
func NewCDS2Handshake(identity, msg []byte, now time.Time, policy interfaces.AdvisoryPolicy, opts attest.Options) (*Handshake, error) {
	start, err := wire.DecodeHandshakeStart(msg)
	if err != nil {
		return nil, err
	}

	handshake, err := Establish(identity, start.Evidence, start.Endorsement, policy, now, PostQuantum, opts)
	if err != nil {
		return nil, err
	}
	return handshake.SkipRaftValidation(), nil
}

// ExtractMetrics decodes a handshake-start frame and returns the attestation
// counters it carries, without verifying anything.
func ExtractMetrics(msg []byte) (map[string]int64, error) {
	start, err := wire.DecodeHandshakeStart(msg)
	if err != nil {
		return nil, err
	}
	return attest.ExtractMetrics(start.Evidence, start.Endorsement)
}
