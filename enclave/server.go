package enclave

import (
	"fmt"

	"github.com/cloudflare/circl/kem"

	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/wire"
)

// EnclaveKeys are the private halves of the keys an enclave publishes in
// its claims.
type EnclaveKeys struct {
	X25519 *cryptoutils.X25519KeyPair
	KEM    kem.PrivateKey
}

// Accept runs the enclave side of the exchange for a client handshake frame
// and returns the enclave side transport.
func Accept(keys EnclaveKeys, typ HandshakeType, evidence, endorsement, clientMessage []byte) (*Transport, error) {
	msg, err := wire.DecodeClientHandshake(clientMessage)
	if err != nil {
		return nil, err
	}

	secret, err := keys.X25519.SharedSecret(msg.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	switch typ {
	case Standard:
	case PostQuantum:
		if keys.KEM == nil {
			return nil, fmt.Errorf("%w: no decapsulation key", ErrInvalidClaims)
		}
		ss, err := cryptoutils.KEM().Decapsulate(keys.KEM, msg.KEMCiphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", cryptoutils.ErrInvalidKeyMaterial, err)
		}
		secret = append(secret, ss...)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandshakeType, typ)
	}

	derived, err := deriveKeys(secret, typ, evidence, endorsement, msg.EphemeralPublic, msg.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	return newTransport(derived.EnclaveToClient[:], derived.ClientToEnclave[:])
}
