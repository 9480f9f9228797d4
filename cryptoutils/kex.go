package cryptoutils

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const X25519KeySize = curve25519.PointSize

var ErrInvalidKeyMaterial = errors.New("invalid key material")

// X25519KeyPair is an ephemeral Diffie-Hellman key pair.
type X25519KeyPair struct {
	Private [X25519KeySize]byte
	Public  [X25519KeySize]byte
}

// GenerateX25519 creates a fresh key pair reading entropy from r.
func GenerateX25519(r io.Reader) (*X25519KeyPair, error) {
	kp := &X25519KeyPair{}
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to read key entropy: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes X25519(private, peer). Low order peer points are rejected.
func (kp *X25519KeyPair) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != X25519KeySize {
		return nil, fmt.Errorf("%w: X25519 public key must be %d bytes, got %d", ErrInvalidKeyMaterial, X25519KeySize, len(peer))
	}
	secret, err := curve25519.X25519(kp.Private[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}
	return secret, nil
}

// KEM returns the ML-KEM-768 scheme used for post-quantum key agreement.
func KEM() kem.Scheme {
	return mlkem768.Scheme()
}

// Encapsulate parses an ML-KEM-768 encapsulation key and encapsulates a fresh
// shared secret to it.
func Encapsulate(encapsulationKey []byte) (ciphertext, sharedSecret []byte, err error) {
	scheme := KEM()
	if len(encapsulationKey) != scheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%w: ML-KEM-768 key must be %d bytes, got %d", ErrInvalidKeyMaterial, scheme.PublicKeySize(), len(encapsulationKey))
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(encapsulationKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidKeyMaterial, err)
	}
	return scheme.Encapsulate(pk)
}

// DeriveKeys expands secret into n bytes with HKDF-SHA256.
func DeriveKeys(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	return out, nil
}
