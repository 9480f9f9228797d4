package attest

import (
	"bytes"
	"crypto/subtle"
	"time"

	"github.com/google/go-tdx-guest/abi"
	tdxpb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"

	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/interfaces"
)

// verifyTDX checks a TDX v4 quote. go-tdx-guest checks the PCK chain, the
// quoting enclave report and the quote signature in one call, including
// certificate validity at now, so those failures are all reported as crypto
// errors. The endorsement is then checked like SGX collateral, with the TD's
// TEE_TCB_SVN selecting the TCB level. MRTD (first 32 bytes) stands in for the
// enclave identity.
func verifyTDX(evidence, endorsement, expected []byte, now time.Time, policy interfaces.AdvisoryPolicy, opts Options) (*VerifiedReport, error) {
	header, err := peekHeader(evidence)
	if err != nil {
		return nil, parseErr("tdx evidence: %w", err)
	}
	raw, claims, err := splitTDXQuote(evidence)
	if err != nil {
		return nil, parseErr("tdx evidence: %w", err)
	}

	anyQuote, err := abi.QuoteToProto(raw)
	if err != nil {
		return nil, parseErr("tdx quote: %w", err)
	}
	quote, ok := anyQuote.(*tdxpb.QuoteV4)
	if !ok {
		return nil, parseErr("unsupported tdx quote type %T", anyQuote)
	}
	collateral, err := parseEndorsement(endorsement)
	if err != nil {
		return nil, parseErr("endorsement: %w", err)
	}
	pckChain, err := cryptoutils.ParsePEMChain(bytes.TrimRight(tdxPCKChain(quote), "\x00"))
	if err != nil {
		return nil, parseErr("pck certificate chain: %w", err)
	}

	anchors, err := verifyCollateral(collateral, pckChain, opts)
	if err != nil {
		return nil, err
	}
	if err := verify.TdxQuote(quote, &verify.Options{Now: now, TrustedRoots: opts.pool()}); err != nil {
		return nil, cryptoErr("tdx quote verification: %w", err)
	}

	body := quote.GetTdQuoteBody()
	if err := checkClaimsBinding(body.GetReportData(), claims); err != nil {
		return nil, err
	}

	platform := platformTCB{tdx: true, pceSVN: header.PCESVN}
	copy(platform.svn[:], body.GetTeeTcbSvn())
	level, err := checkFreshness(collateral, chainCerts(pckChain, collateral, anchors), platform, now)
	if err != nil {
		return nil, err
	}
	identity, advisories, err := acceptTCB(level, expected, policy)
	if err != nil {
		return nil, err
	}

	mrtd := body.GetMrTd()
	if len(mrtd) < len(identity) || subtle.ConstantTimeCompare(mrtd[:len(identity)], identity[:]) != 1 {
		return nil, identityErr("expected %s, tdx quote reports mrtd %x", identity, mrtd)
	}

	report := &VerifiedReport{
		Identity:   identity,
		Timestamp:  now,
		Advisories: advisories,
		TCBStatus:  level.TCBStatus,
		TeeType:    TeeTypeTDX,
		Claims:     claims,
	}
	copy(report.ReportData[:], body.GetReportData())
	return report, nil
}

func tdxPCKChain(quote *tdxpb.QuoteV4) []byte {
	return quote.GetSignedData().
		GetCertificationData().
		GetQeReportCertificationData().
		GetPckCertificateChainData().
		GetPckCertChain()
}
