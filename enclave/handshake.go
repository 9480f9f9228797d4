package enclave

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ruteri/attested-lookup/attest"
	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/interfaces"
	"github.com/ruteri/attested-lookup/wire"
)

// HandshakeType selects the key agreement suite.
type HandshakeType uint8

const (
	// Standard uses X25519 only.
	Standard HandshakeType = iota
	// PostQuantum combines X25519 with ML-KEM-768.
	PostQuantum
)

func (t HandshakeType) String() string {
	switch t {
	case Standard:
		return "standard"
	case PostQuantum:
		return "post-quantum"
	}
	return fmt.Sprintf("HandshakeType(%d)", uint8(t))
}

const (
	transcriptLabel = "attested-lookup handshake v1"
	keysInfo        = "attested-lookup transport keys"
)

var (
	ErrInvalidClaims         = errors.New("enclave claims do not carry the required handshake keys")
	ErrUnknownHandshakeType  = errors.New("unknown handshake type")
	ErrRaftMembershipInvalid = errors.New("enclave is not a member of the raft group")
)

// Keys are the directional transport keys of one session.
type Keys struct {
	ClientToEnclave [cryptoutils.FrameKeySize]byte
	EnclaveToClient [cryptoutils.FrameKeySize]byte
}

// Handshake is the client side of an attested key exchange. Its type and
// keys are fixed at construction.
type Handshake struct {
	typ        HandshakeType
	keys       Keys
	identity   interfaces.EnclaveIdentity
	advisories []interfaces.SoftwareAdvisory
	message    []byte
	transport  *Transport

	raftValidationSkipped bool
}

// Establish verifies evidence and endorsement, then runs the client side of
// the key exchange against the keys the enclave bound into its quote.
func Establish(identity, evidence, endorsement []byte, policy interfaces.AdvisoryPolicy, now time.Time, typ HandshakeType, opts attest.Options) (*Handshake, error) {
	if typ != Standard && typ != PostQuantum {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandshakeType, typ)
	}

	report, err := attest.Verify(evidence, endorsement, identity, now, policy, opts)
	if err != nil {
		return nil, err
	}
	return newHandshake(rand.Reader, report, evidence, endorsement, typ)
}

func newHandshake(entropy io.Reader, report *attest.VerifiedReport, evidence, endorsement []byte, typ HandshakeType) (*Handshake, error) {
	claims, err := ParseClaims(report.Claims, typ)
	if err != nil {
		return nil, err
	}

	ephemeral, err := cryptoutils.GenerateX25519(entropy)
	if err != nil {
		return nil, err
	}
	dh, err := ephemeral.SharedSecret(claims.X25519Public)
	if err != nil {
		return nil, err
	}

	secret := dh
	var ciphertext []byte
	if typ == PostQuantum {
		var ss []byte
		ciphertext, ss, err = cryptoutils.Encapsulate(claims.KEMPublic)
		if err != nil {
			return nil, err
		}
		secret = append(secret, ss...)
	}

	keys, err := deriveKeys(secret, typ, evidence, endorsement, ephemeral.Public[:], ciphertext)
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(keys.ClientToEnclave[:], keys.EnclaveToClient[:])
	if err != nil {
		return nil, err
	}

	msg := &wire.ClientHandshake{EphemeralPublic: ephemeral.Public[:], KEMCiphertext: ciphertext}
	return &Handshake{
		typ:        typ,
		keys:       keys,
		identity:   report.Identity,
		advisories: report.Advisories,
		message:    msg.Encode(),
		transport:  transport,
	}, nil
}

func transcriptHash(typ HandshakeType, evidence, endorsement, ephemeral, ciphertext []byte) []byte {
	evidenceHash := sha256.Sum256(evidence)
	endorsementHash := sha256.Sum256(endorsement)

	h := sha256.New()
	h.Write([]byte(transcriptLabel))
	h.Write([]byte{byte(typ)})
	h.Write(evidenceHash[:])
	h.Write(endorsementHash[:])
	h.Write(ephemeral)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func deriveKeys(secret []byte, typ HandshakeType, evidence, endorsement, ephemeral, ciphertext []byte) (Keys, error) {
	salt := transcriptHash(typ, evidence, endorsement, ephemeral, ciphertext)
	okm, err := cryptoutils.DeriveKeys(secret, salt, []byte(keysInfo), 2*cryptoutils.FrameKeySize)
	if err != nil {
		return Keys{}, err
	}

	var keys Keys
	copy(keys.ClientToEnclave[:], okm[:cryptoutils.FrameKeySize])
	copy(keys.EnclaveToClient[:], okm[cryptoutils.FrameKeySize:])
	return keys, nil
}

func (h *Handshake) Type() HandshakeType { return h.typ }

// Keys returns a copy of the session keys.
func (h *Handshake) Keys() Keys { return h.keys }

func (h *Handshake) Identity() interfaces.EnclaveIdentity { return h.identity }

// Advisories lists the accepted-risk advisories of the verified platform.
func (h *Handshake) Advisories() []interfaces.SoftwareAdvisory {
	return append([]interfaces.SoftwareAdvisory(nil), h.advisories...)
}

// Message is the encoded client handshake frame to send to the enclave.
func (h *Handshake) Message() []byte {
	return append([]byte(nil), h.message...)
}

// RaftValidationSkipped reports whether SkipRaftValidation was applied.
func (h *Handshake) RaftValidationSkipped() bool { return h.raftValidationSkipped }

// SkipRaftValidation returns a copy of the handshake that will not check
// raft group membership in ValidateRaftMembership. Key material and the
// transport are shared unchanged.
//
// Only callers that establish cohort membership through an independent
// channel may use this. The lookup service qualifies: its enclave cohort is
// pinned by the identity allow-list the caller verifies against, so a
// membership proof from the enclave adds nothing. Nothing else should call it.
func (h *Handshake) SkipRaftValidation() *Handshake {
	skipped := *h
	skipped.raftValidationSkipped = true
	return &skipped
}

// RaftMembership is the set of enclave identities forming a raft group.
type RaftMembership []interfaces.EnclaveIdentity

func (m RaftMembership) Contains(identity interfaces.EnclaveIdentity) bool {
	for _, member := range m {
		if member == identity {
			return true
		}
	}
	return false
}

// ValidateRaftMembership checks that the attested enclave belongs to members.
// It is a no-op once SkipRaftValidation was applied.
func (h *Handshake) ValidateRaftMembership(members RaftMembership) error {
	if h.raftValidationSkipped {
		return nil
	}
	if !members.Contains(h.identity) {
		return fmt.Errorf("%w: %s", ErrRaftMembershipInvalid, h.identity)
	}
	return nil
}

// Transport returns the client side frame ciphers for this session. Every
// call, including on copies made by SkipRaftValidation, returns the same
// instance so frame nonces are never reused under the session keys.
func (h *Handshake) Transport() (*Transport, error) {
	return h.transport, nil
}
