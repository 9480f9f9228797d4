package enclavetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"

	"github.com/ruteri/attested-lookup/attest"
	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/enclave"
	"github.com/ruteri/attested-lookup/interfaces"
	"github.com/ruteri/attested-lookup/wire"
)

// DefaultIdentity is the MRENCLAVE of generated quotes unless overridden.
var DefaultIdentity = interfaces.EnclaveIdentity{
	0x39, 0xd7, 0x8f, 0x17, 0xf8, 0xaa, 0x9a, 0x8e, 0x9c, 0xdd, 0xa6, 0xb1, 0xc1, 0x6d, 0x3a, 0x55,
	0x77, 0x6b, 0x3f, 0x10, 0x4b, 0x3b, 0x82, 0x6a, 0x3c, 0x41, 0x1b, 0xdd, 0x1e, 0xe3, 0x28, 0x0c,
}

// DefaultTime is the verification instant of generated fixtures.
var DefaultTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// TCBInfoLifetime is how long generated TCB info and CRLs stay valid. It is
// the earliest expiry in a default fixture.
const TCBInfoLifetime = 30 * 24 * time.Hour

var platformCPUSVN = [16]byte{4, 4, 2, 4, 1, 128, 6, 0, 0, 0, 0, 0, 0, 0, 0, 0}

const platformPCESVN = 13

// Options tune a generated fixture.
type Options struct {
	Identity    interfaces.EnclaveIdentity
	Now         time.Time
	PostQuantum bool

	// TCBStatus of the level the platform matches, UpToDate by default.
	TCBStatus  attest.TCBStatus
	Advisories []interfaces.SoftwareAdvisory

	// RevokePCK lists the PCK leaf in the PCK CRL.
	RevokePCK bool
	// OmitCRLs leaves both CRLs out of the endorsement.
	OmitCRLs bool
}

// Fixture is a matching evidence and endorsement pair and everything needed
// to verify it or play the enclave side of a handshake.
type Fixture struct {
	Identity    interfaces.EnclaveIdentity
	Now         time.Time
	ExpiresAt   time.Time
	Roots       []*x509.Certificate
	Evidence    []byte
	Endorsement []byte
	Quote       *attest.Quote
	Keys        enclave.EnclaveKeys

	Root    *Cert
	PCK     *Cert
	Signer  *Cert
	TCBInfo attest.TCBInfo
}

// New generates a fixture. Zero options give an up to date SGX platform
// running DefaultIdentity, valid at DefaultTime, with both handshake keys.
func New(opts Options) (*Fixture, error) {
	if opts.Identity == (interfaces.EnclaveIdentity{}) {
		opts.Identity = DefaultIdentity
	}
	if opts.Now.IsZero() {
		opts.Now = DefaultTime
	}
	if opts.TCBStatus == "" {
		opts.TCBStatus = attest.TCBUpToDate
	}
	now := opts.Now.Truncate(time.Second)

	root, err := newCert("Test SGX Root CA", 1, nil, now.AddDate(-2, 0, 0), now.AddDate(5, 0, 0))
	if err != nil {
		return nil, err
	}
	platformCA, err := newCert("Test SGX PCK Platform CA", 2, root, now.AddDate(-1, 0, 0), now.AddDate(3, 0, 0))
	if err != nil {
		return nil, err
	}
	pck, err := newCert("Test SGX PCK Certificate", 3, platformCA, now.AddDate(0, -1, 0), now.AddDate(1, 0, 0))
	if err != nil {
		return nil, err
	}
	signer, err := newCert("Test SGX TCB Signing", 4, root, now.AddDate(-1, 0, 0), now.AddDate(2, 0, 0))
	if err != nil {
		return nil, err
	}

	f := &Fixture{
		Identity:  opts.Identity,
		Now:       now,
		ExpiresAt: now.Add(TCBInfoLifetime),
		Roots:     []*x509.Certificate{root.Cert},
		Root:      root,
		PCK:       pck,
		Signer:    signer,
	}

	if f.Keys.X25519, err = cryptoutils.GenerateX25519(rand.Reader); err != nil {
		return nil, err
	}
	claims := enclave.Claims{X25519Public: f.Keys.X25519.Public[:]}
	if opts.PostQuantum {
		var pub kem.PublicKey
		if pub, f.Keys.KEM, err = cryptoutils.KEM().GenerateKeyPair(); err != nil {
			return nil, err
		}
		if claims.KEMPublic, err = pub.MarshalBinary(); err != nil {
			return nil, err
		}
	}

	certData := append(append([]byte{}, pck.PEM...), platformCA.PEM...)
	if f.Quote, err = newQuote(opts.Identity, claims.Encode(), pck, certData); err != nil {
		return nil, err
	}
	f.Evidence = f.Quote.Marshal()

	f.TCBInfo = attest.TCBInfo{
		Version:                 3,
		IssueDate:               now.Add(-24 * time.Hour),
		NextUpdate:              f.ExpiresAt,
		FMSPC:                   "00906ed50000",
		TCBEvaluationDataNumber: 17,
		TCBLevels: []attest.TCBLevel{
			{
				TCB:         attest.TCBComponents{SGXComponents: platformCPUSVN, PCESVN: platformPCESVN},
				TCBDate:     now.AddDate(0, -2, 0),
				TCBStatus:   opts.TCBStatus,
				AdvisoryIDs: opts.Advisories,
			},
			{
				TCB:         attest.TCBComponents{PCESVN: 0},
				TCBDate:     now.AddDate(-3, 0, 0),
				TCBStatus:   attest.TCBOutOfDate,
				AdvisoryIDs: []interfaces.SoftwareAdvisory{"INTEL-SA-00219", "INTEL-SA-00289"},
			},
		},
	}

	var pckCRL, rootCRL []byte
	if !opts.OmitCRLs {
		var revoked []*x509.Certificate
		if opts.RevokePCK {
			revoked = append(revoked, pck.Cert)
		}
		if pckCRL, err = newCRL(platformCA, 1, now.Add(-24*time.Hour), f.ExpiresAt, revoked...); err != nil {
			return nil, err
		}
		if rootCRL, err = newCRL(root, 1, now.Add(-24*time.Hour), f.ExpiresAt); err != nil {
			return nil, err
		}
	}

	if f.Endorsement, err = SignEndorsement(f.TCBInfo, signer, root, pckCRL, rootCRL); err != nil {
		return nil, err
	}
	return f, nil
}

// MustNew is New that panics on error.
func MustNew(opts Options) *Fixture {
	f, err := New(opts)
	if err != nil {
		panic(err)
	}
	return f
}

func newQuote(identity interfaces.EnclaveIdentity, claims []byte, pck *Cert, certData []byte) (*attest.Quote, error) {
	attestationKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	q := &attest.Quote{
		Header: attest.QuoteHeader{
			Version:            attest.QuoteVersionSGX,
			AttestationKeyType: attest.AttestationKeyTypeECDSAP256,
			TeeType:            attest.TeeTypeSGX,
			QESVN:              8,
			PCESVN:             platformPCESVN,
			QEVendorID:         [16]byte{0x93, 0x9a, 0x72, 0x33, 0xf7, 0x9c, 0x4c, 0xa9, 0x94, 0x0a, 0x0d, 0xb3, 0x95, 0x7f, 0x06, 0x07},
		},
		Body: attest.ReportBody{
			CPUSVN:    platformCPUSVN,
			MREnclave: identity,
			ISVProdID: 3,
			ISVSVN:    2,
		},
		AttestationKey: cryptoutils.MarshalRawP256PublicKey(&attestationKey.PublicKey),
		CertDataType:   attest.CertDataTypePCKChain,
		CertData:       certData,
	}
	q.BindClaims(claims)

	if q.AttestationKeyEndorsement, err = cryptoutils.SignRawECDSA(pck.Key, q.AttestationKey); err != nil {
		return nil, err
	}
	if q.Signature, err = cryptoutils.SignRawECDSA(attestationKey, q.SignedBytes()); err != nil {
		return nil, err
	}
	return q, nil
}

// SignEndorsement encodes and signs TCB info and assembles the collateral.
func SignEndorsement(info attest.TCBInfo, signer, root *Cert, pckCRL, rootCRL []byte) ([]byte, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	sig, err := cryptoutils.SignRawECDSA(signer.Key, raw)
	if err != nil {
		return nil, err
	}

	endorsement, err := json.Marshal(attest.Endorsement{
		TCBInfo:            raw,
		TCBInfoSignature:   hex.EncodeToString(sig),
		TCBInfoIssuerChain: string(signer.PEM) + string(root.PEM),
		PCKCRL:             string(pckCRL),
		RootCACRL:          string(rootCRL),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding endorsement: %w", err)
	}
	return endorsement, nil
}

// HandshakeStart returns the encoded handshake-start frame for the fixture.
func (f *Fixture) HandshakeStart() []byte {
	return (&wire.HandshakeStart{Evidence: f.Evidence, Endorsement: f.Endorsement}).Encode()
}
