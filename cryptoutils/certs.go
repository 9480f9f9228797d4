package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrNoCertificates   = errors.New("no certificates in PEM data")
	ErrUntrustedRoot    = errors.New("certificate chain does not terminate in a trusted root")
	ErrInvalidSignature = errors.New("invalid signature")
)

// CertChain is a leaf-first certificate chain.
type CertChain []*x509.Certificate

// ParsePEMChain decodes every CERTIFICATE block in data, in order.
// Trailing NUL bytes (as found in quote certification data) are ignored.
func ParsePEMChain(data []byte) (CertChain, error) {
	var chain CertChain
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate structure: %w", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, ErrNoCertificates
	}
	return chain, nil
}

// Leaf returns the first certificate of the chain.
func (c CertChain) Leaf() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// VerifySignatures checks that each certificate is signed by the next one and
// that the last certificate is either one of roots or signed by one of them.
// Validity periods are not checked.
func (c CertChain) VerifySignatures(roots []*x509.Certificate) (*x509.Certificate, error) {
	if len(c) == 0 {
		return nil, ErrNoCertificates
	}

	for i := 0; i+1 < len(c); i++ {
		if err := c[i].CheckSignatureFrom(c[i+1]); err != nil {
			return nil, fmt.Errorf("certificate %q not signed by %q: %w", c[i].Subject.CommonName, c[i+1].Subject.CommonName, err)
		}
	}

	last := c[len(c)-1]
	for _, root := range roots {
		if last.Equal(root) {
			return root, nil
		}
	}
	for _, root := range roots {
		if last.CheckSignatureFrom(root) == nil {
			return root, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUntrustedRoot, last.Issuer.CommonName)
}

// ValidityWindow returns the intersection of the validity periods of the
// given certificates. The returned notAfter is exclusive.
func ValidityWindow(certs ...*x509.Certificate) (notBefore, notAfter time.Time) {
	for i, cert := range certs {
		if cert == nil {
			continue
		}
		// x509 NotAfter is inclusive to the second
		end := cert.NotAfter.Add(time.Second)
		if i == 0 || notBefore.IsZero() || cert.NotBefore.After(notBefore) {
			notBefore = cert.NotBefore
		}
		if notAfter.IsZero() || end.Before(notAfter) {
			notAfter = end
		}
	}
	return notBefore, notAfter
}

// ParsePEMCRL decodes a single X509 CRL block.
func ParsePEMCRL(data []byte) (*x509.RevocationList, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "X509 CRL" {
		return nil, errors.New("invalid CRL: not in PEM format or not a CRL")
	}
	crl, err := x509.ParseRevocationList(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid CRL structure: %w", err)
	}
	return crl, nil
}

// IsRevoked reports whether cert's serial number appears in crl.
func IsRevoked(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// ParseRawP256PublicKey parses an uncompressed P-256 point encoded as X||Y.
func ParseRawP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("raw P-256 public key must be 64 bytes, got %d", len(raw))
	}
	x := new(big.Int).SetBytes(raw[:32])
	y := new(big.Int).SetBytes(raw[32:])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, errors.New("public key is not on P-256")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// MarshalRawP256PublicKey encodes pub as X||Y.
func MarshalRawP256PublicKey(pub *ecdsa.PublicKey) []byte {
	raw := make([]byte, 64)
	pub.X.FillBytes(raw[:32])
	pub.Y.FillBytes(raw[32:])
	return raw
}

// VerifyRawECDSA checks a 64-byte r||s signature over SHA-256(msg).
func VerifyRawECDSA(pub *ecdsa.PublicKey, msg, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: raw ECDSA signature must be 64 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// SignRawECDSA produces a 64-byte r||s signature over SHA-256(msg).
func SignRawECDSA(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// VerifyCertSignedECDSA verifies a raw signature made with cert's ECDSA key.
func VerifyCertSignedECDSA(cert *x509.Certificate, msg, sig []byte) error {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is %T, not ECDSA", ErrInvalidSignature, cert.PublicKey)
	}
	return VerifyRawECDSA(pub, msg, sig)
}
