// Package cryptoutils provides the certificate and key agreement primitives
// used by attestation verification and the enclave handshake.
//
// # Certificates
//
// CertChain wraps a leaf-first list of X.509 certificates decoded from PEM.
// VerifySignatures walks the chain and checks every signature up to one of
// the supplied trusted roots. It deliberately ignores validity periods: time
// checks are done separately by callers against a caller-supplied instant,
// so that signature failures and expiry are reported as distinct errors.
//
// # Key agreement
//
//   - X25519 for the classical part of the handshake (golang.org/x/crypto/curve25519)
//   - ML-KEM-768 for the post-quantum part (github.com/cloudflare/circl)
//   - HKDF-SHA256 to derive transport keys (golang.org/x/crypto/hkdf)
//
// # Frames
//
// FrameCipher seals and opens transport frames with ChaCha20-Poly1305 and a
// strictly increasing 64-bit counter nonce per direction.
package cryptoutils
