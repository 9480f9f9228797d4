package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newTestCert(t *testing.T, cn string, serial int64, parent *testCert, notBefore, notAfter time.Time) *testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	issuer, issuerKey := tmpl, key
	if parent != nil {
		issuer, issuerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, &key.PublicKey, issuerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCert{cert: cert, key: key, pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

func TestCertChain(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	root := newTestCert(t, "root", 1, nil, start, end)
	inter := newTestCert(t, "intermediate", 2, root, start.Add(time.Hour), end)
	leaf := newTestCert(t, "leaf", 3, inter, start, end.Add(-time.Hour))
	other := newTestCert(t, "other root", 4, nil, start, end)

	data := append(append([]byte{}, leaf.pem...), inter.pem...)
	data = append(data, 0, 0)

	chain, err := ParsePEMChain(data)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "leaf", chain.Leaf().Subject.CommonName)

	t.Run("signed by trusted root", func(t *testing.T) {
		anchor, err := chain.VerifySignatures([]*x509.Certificate{other.cert, root.cert})
		require.NoError(t, err)
		assert.True(t, anchor.Equal(root.cert))
	})

	t.Run("chain including root", func(t *testing.T) {
		full := append(CertChain{}, chain...)
		full = append(full, root.cert)
		_, err := full.VerifySignatures([]*x509.Certificate{root.cert})
		require.NoError(t, err)
	})

	t.Run("untrusted root", func(t *testing.T) {
		_, err := chain.VerifySignatures([]*x509.Certificate{other.cert})
		require.ErrorIs(t, err, ErrUntrustedRoot)
	})

	t.Run("broken link", func(t *testing.T) {
		broken := CertChain{leaf.cert, other.cert}
		_, err := broken.VerifySignatures([]*x509.Certificate{other.cert})
		require.Error(t, err)
	})

	t.Run("validity window", func(t *testing.T) {
		notBefore, notAfter := ValidityWindow(leaf.cert, inter.cert, root.cert)
		assert.True(t, start.Add(time.Hour).Equal(notBefore), notBefore)
		assert.True(t, end.Add(-time.Hour).Add(time.Second).Equal(notAfter), notAfter)
	})
}

func TestParsePEMChainErrors(t *testing.T) {
	_, err := ParsePEMChain(nil)
	require.ErrorIs(t, err, ErrNoCertificates)

	_, err = ParsePEMChain([]byte("not pem"))
	require.ErrorIs(t, err, ErrNoCertificates)

	_, err = ParsePEMChain(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}}))
	require.Error(t, err)

	_, err = ParsePEMChain(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}))
	require.Error(t, err)
}

func TestCRL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	root := newTestCert(t, "root", 1, nil, now, now.AddDate(1, 0, 0))
	revoked := newTestCert(t, "revoked", 7, root, now, now.AddDate(1, 0, 0))
	fine := newTestCert(t, "fine", 8, root, now, now.AddDate(1, 0, 0))

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: now,
		NextUpdate: now.AddDate(0, 1, 0),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: big.NewInt(7), RevocationTime: now},
		},
	}, root.cert, root.key)
	require.NoError(t, err)

	crl, err := ParsePEMCRL(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}))
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(root.cert))

	assert.True(t, IsRevoked(crl, revoked.cert))
	assert.False(t, IsRevoked(crl, fine.cert))

	_, err = ParsePEMCRL(revoked.pem)
	require.Error(t, err)
}

func TestRawECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	raw := MarshalRawP256PublicKey(&key.PublicKey)
	require.Len(t, raw, 64)

	pub, err := ParseRawP256PublicKey(raw)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	msg := []byte("quote body")
	sig, err := SignRawECDSA(key, msg)
	require.NoError(t, err)
	require.NoError(t, VerifyRawECDSA(pub, msg, sig))

	require.ErrorIs(t, VerifyRawECDSA(pub, []byte("other body"), sig), ErrInvalidSignature)
	require.ErrorIs(t, VerifyRawECDSA(pub, msg, sig[:63]), ErrInvalidSignature)

	_, err = ParseRawP256PublicKey(make([]byte, 64))
	require.Error(t, err)
	_, err = ParseRawP256PublicKey(raw[:10])
	require.Error(t, err)
}
