package attest

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"time"

	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/interfaces"
)

// Options configures verification.
type Options struct {
	// Roots are the trusted root CA certificates for the PCK and TCB signing
	// chains. Verification fails without at least one root.
	Roots []*x509.Certificate
}

func (o Options) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, root := range o.Roots {
		pool.AddCert(root)
	}
	return pool
}

// VerifiedReport is the outcome of a successful verification.
type VerifiedReport struct {
	Identity   interfaces.EnclaveIdentity
	Timestamp  time.Time
	Advisories []interfaces.SoftwareAdvisory
	TCBStatus  TCBStatus
	TeeType    uint32
	ReportData [ReportDataSize]byte
	// Claims are the enclave-supplied bytes bound by REPORTDATA.
	Claims []byte
}

// Verify checks evidence and endorsement against the expected enclave
// identity at the instant now. Accepted-risk advisories are those the TCB
// level of the platform lists and policy allows for the expected identity.
//
// Checks run in the order parse, crypto, freshness, identity, and the first
// failing one decides the error kind. The wall clock is never consulted.
func Verify(evidence, endorsement, expected []byte, now time.Time, policy interfaces.AdvisoryPolicy, opts Options) (*VerifiedReport, error) {
	if policy == nil {
		policy = interfaces.NoAdvisories
	}

	header, err := peekHeader(evidence)
	if err != nil {
		return nil, parseErr("%w", err)
	}
	if header.Version == QuoteVersionTDX && header.TeeType == TeeTypeTDX {
		return verifyTDX(evidence, endorsement, expected, now, policy, opts)
	}

	quote, err := ParseQuote(evidence)
	if err != nil {
		return nil, parseErr("evidence: %w", err)
	}
	collateral, err := parseEndorsement(endorsement)
	if err != nil {
		return nil, parseErr("endorsement: %w", err)
	}
	pckChain, err := cryptoutils.ParsePEMChain(bytes.TrimRight(quote.CertData, "\x00"))
	if err != nil {
		return nil, parseErr("pck certificate chain: %w", err)
	}

	anchors, err := verifyCollateral(collateral, pckChain, opts)
	if err != nil {
		return nil, err
	}
	if err := verifyQuoteSignature(quote, pckChain); err != nil {
		return nil, err
	}
	if err := checkClaimsBinding(quote.Body.ReportData[:], quote.Claims); err != nil {
		return nil, err
	}

	platform := platformTCB{svn: quote.Body.CPUSVN, pceSVN: quote.Header.PCESVN}
	level, err := checkFreshness(collateral, chainCerts(pckChain, collateral, anchors), platform, now)
	if err != nil {
		return nil, err
	}
	identity, advisories, err := acceptTCB(level, expected, policy)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(quote.Body.MREnclave[:], identity[:]) != 1 {
		return nil, identityErr("expected %s, evidence reports %s", identity, quote.Identity())
	}

	return &VerifiedReport{
		Identity:   identity,
		Timestamp:  now,
		Advisories: advisories,
		TCBStatus:  level.TCBStatus,
		TeeType:    TeeTypeSGX,
		ReportData: quote.Body.ReportData,
		Claims:     quote.Claims,
	}, nil
}

// verifyCollateral checks the PCK and TCB signing chains against the trusted
// roots, the CRLs and the TCB info signature. It returns the roots the two
// chains end in.
func verifyCollateral(collateral *parsedEndorsement, pckChain cryptoutils.CertChain, opts Options) ([]*x509.Certificate, error) {
	if len(opts.Roots) == 0 {
		return nil, cryptoErr("no trusted roots configured")
	}

	pckRoot, err := pckChain.VerifySignatures(opts.Roots)
	if err != nil {
		return nil, cryptoErr("pck chain: %w", err)
	}
	tcbRoot, err := collateral.tcbChain.VerifySignatures(opts.Roots)
	if err != nil {
		return nil, cryptoErr("tcb info issuer chain: %w", err)
	}

	if crl := collateral.rootCRL; crl != nil {
		if err := crl.CheckSignatureFrom(pckRoot); err != nil {
			return nil, cryptoErr("root ca crl: %w", err)
		}
		intermediates := make([]*x509.Certificate, 0, len(pckChain)+len(collateral.tcbChain))
		intermediates = append(intermediates, pckChain[1:]...)
		intermediates = append(intermediates, collateral.tcbChain[1:]...)
		for _, cert := range intermediates {
			if cryptoutils.IsRevoked(crl, cert) {
				return nil, cryptoErr("certificate %q is revoked", cert.Subject.CommonName)
			}
		}
	}
	if crl := collateral.pckCRL; crl != nil {
		issuer := pckRoot
		if len(pckChain) > 1 {
			issuer = pckChain[1]
		}
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, cryptoErr("pck crl: %w", err)
		}
		if cryptoutils.IsRevoked(crl, pckChain.Leaf()) {
			return nil, cryptoErr("pck certificate %q is revoked", pckChain.Leaf().Subject.CommonName)
		}
	}

	if err := cryptoutils.VerifyCertSignedECDSA(collateral.tcbChain.Leaf(), collateral.tcbInfoRaw, collateral.tcbSignature); err != nil {
		return nil, cryptoErr("tcb info signature: %w", err)
	}
	return []*x509.Certificate{pckRoot, tcbRoot}, nil
}

func verifyQuoteSignature(quote *Quote, pckChain cryptoutils.CertChain) error {
	attestationKey, err := cryptoutils.ParseRawP256PublicKey(quote.AttestationKey)
	if err != nil {
		return cryptoErr("attestation key: %w", err)
	}
	if err := cryptoutils.VerifyCertSignedECDSA(pckChain.Leaf(), quote.AttestationKey, quote.AttestationKeyEndorsement); err != nil {
		return cryptoErr("attestation key endorsement: %w", err)
	}
	if err := cryptoutils.VerifyRawECDSA(attestationKey, quote.SignedBytes(), quote.Signature); err != nil {
		return cryptoErr("quote signature: %w", err)
	}
	return nil
}

func checkClaimsBinding(reportData, claims []byte) error {
	digest := sha256.Sum256(claims)
	if len(reportData) < len(digest) || subtle.ConstantTimeCompare(reportData[:len(digest)], digest[:]) != 1 {
		return cryptoErr("report data does not bind the enclave claims")
	}
	return nil
}

func chainCerts(pckChain cryptoutils.CertChain, collateral *parsedEndorsement, anchors []*x509.Certificate) []*x509.Certificate {
	certs := make([]*x509.Certificate, 0, len(pckChain)+len(collateral.tcbChain)+len(anchors))
	certs = append(certs, pckChain...)
	certs = append(certs, collateral.tcbChain...)
	return append(certs, anchors...)
}

func checkWindow(what string, now, notBefore, notAfter time.Time) error {
	if now.Before(notBefore) {
		return freshnessErr("%s not valid before %s", what, notBefore.UTC().Format(time.RFC3339))
	}
	if !now.Before(notAfter) {
		return freshnessErr("%s expired at %s", what, notAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

// checkFreshness checks every validity window at now and returns the TCB
// level the platform matches.
func checkFreshness(collateral *parsedEndorsement, certs []*x509.Certificate, platform platformTCB, now time.Time) (TCBLevel, error) {
	for _, cert := range certs {
		notBefore, notAfter := cryptoutils.ValidityWindow(cert)
		if err := checkWindow("certificate "+cert.Subject.CommonName, now, notBefore, notAfter); err != nil {
			return TCBLevel{}, err
		}
	}
	if crl := collateral.rootCRL; crl != nil {
		if err := checkWindow("root ca crl", now, crl.ThisUpdate, crl.NextUpdate); err != nil {
			return TCBLevel{}, err
		}
	}
	if crl := collateral.pckCRL; crl != nil {
		if err := checkWindow("pck crl", now, crl.ThisUpdate, crl.NextUpdate); err != nil {
			return TCBLevel{}, err
		}
	}
	info := &collateral.tcbInfo
	if err := checkWindow("tcb info", now, info.IssueDate, info.NextUpdate); err != nil {
		return TCBLevel{}, err
	}

	level, ok := info.matchingLevel(platform)
	if !ok {
		return TCBLevel{}, freshnessErr("platform tcb is below every known tcb level")
	}
	return level, nil
}

// acceptTCB evaluates the matched level against the advisories policy allows
// for the expected identity. An expected identity of the wrong length fails
// only once the level itself is acceptable.
func acceptTCB(level TCBLevel, expected []byte, policy interfaces.AdvisoryPolicy) (interfaces.EnclaveIdentity, []interfaces.SoftwareAdvisory, error) {
	identity, idErr := interfaces.NewEnclaveIdentity(expected)
	var allowed interfaces.AdvisorySet
	if idErr == nil {
		allowed = policy.AdvisoriesFor(identity)
	}
	advisories, err := evaluateTCB(level, allowed)
	if err != nil {
		return identity, nil, err
	}
	if idErr != nil {
		return identity, nil, identityErr("%w", idErr)
	}
	return identity, advisories, nil
}

// evaluateTCB decides whether the matched TCB level is acceptable. Revoked
// levels are always rejected. Out of date levels must name at least one
// advisory. Every advisory named by a non UpToDate level must be allowed.
func evaluateTCB(level TCBLevel, allowed interfaces.AdvisorySet) ([]interfaces.SoftwareAdvisory, error) {
	switch {
	case level.TCBStatus == TCBRevoked:
		return nil, freshnessErr("tcb level is revoked")
	case level.TCBStatus == TCBUpToDate:
		return nil, nil
	case level.TCBStatus.outOfDate() && len(level.AdvisoryIDs) == 0:
		return nil, freshnessErr("tcb level %s lists no advisories to accept", level.TCBStatus)
	}

	accepted := interfaces.NewAdvisorySet()
	for _, id := range level.AdvisoryIDs {
		if !allowed.Contains(id) {
			return nil, freshnessErr("tcb level %s: advisory %s not accepted by policy", level.TCBStatus, id)
		}
		accepted[id] = struct{}{}
	}
	return accepted.Sorted(), nil
}
