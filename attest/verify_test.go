package attest_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-tdx-guest/testing/testdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-lookup/attest"
	"github.com/ruteri/attested-lookup/enclavetest"
	"github.com/ruteri/attested-lookup/interfaces"
)

func allow(ids ...interfaces.SoftwareAdvisory) interfaces.AdvisoryPolicy {
	return interfaces.AdvisoryPolicyFunc(func(interfaces.EnclaveIdentity) interfaces.AdvisorySet {
		return interfaces.NewAdvisorySet(ids...)
	})
}

func verifyFixture(f *enclavetest.Fixture, now time.Time, policy interfaces.AdvisoryPolicy) (*attest.VerifiedReport, error) {
	return attest.Verify(f.Evidence, f.Endorsement, f.Identity[:], now, policy, attest.Options{Roots: f.Roots})
}

func TestVerifyAcceptsFixture(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{PostQuantum: true})

	report, err := verifyFixture(f, f.Now, nil)
	require.NoError(t, err)
	assert.Equal(t, f.Identity, report.Identity)
	assert.Equal(t, f.Now, report.Timestamp)
	assert.Equal(t, attest.TCBUpToDate, report.TCBStatus)
	assert.Empty(t, report.Advisories)
	assert.Equal(t, f.Quote.Claims, report.Claims)
}

func TestVerifyMonotonicInTime(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})

	for _, now := range []time.Time{
		f.Now,
		f.Now.Add(time.Hour),
		f.Now.Add(enclavetest.TCBInfoLifetime / 2),
		f.ExpiresAt.Add(-time.Second),
		f.ExpiresAt.Add(-time.Nanosecond),
	} {
		_, err := verifyFixture(f, now, nil)
		require.NoError(t, err, "at %s", now)
	}

	for _, now := range []time.Time{
		f.ExpiresAt,
		f.ExpiresAt.Add(time.Second),
		f.ExpiresAt.AddDate(10, 0, 0),
	} {
		_, err := verifyFixture(f, now, nil)
		require.ErrorIs(t, err, attest.ErrFreshness, "at %s", now)
	}

	_, err := verifyFixture(f, f.Now.Add(-48*time.Hour), nil)
	require.ErrorIs(t, err, attest.ErrFreshness, "tcb info not yet issued")
}

func TestVerifyIdentity(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})

	other := f.Identity
	other[0] ^= 0xff
	_, err := attest.Verify(f.Evidence, f.Endorsement, other[:], f.Now, nil, attest.Options{Roots: f.Roots})
	require.ErrorIs(t, err, attest.ErrIdentityMismatch)

	for _, expected := range [][]byte{nil, f.Identity[:31], append(bytes.Clone(f.Identity[:]), 0)} {
		_, err := attest.Verify(f.Evidence, f.Endorsement, expected, f.Now, nil, attest.Options{Roots: f.Roots})
		require.ErrorIs(t, err, attest.ErrIdentityMismatch)
		require.ErrorIs(t, err, interfaces.ErrInvalidIdentityLength)
	}
}

func TestVerifyReportsEarlierKindsBeforeIdentityLength(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})
	short := f.Identity[:31]

	_, err := attest.Verify([]byte("garbage"), f.Endorsement, short, f.Now, nil, attest.Options{Roots: f.Roots})
	require.ErrorIs(t, err, attest.ErrParse)
	assert.NotErrorIs(t, err, attest.ErrIdentityMismatch)

	_, err = attest.Verify(f.Evidence, nil, short, f.Now, nil, attest.Options{Roots: f.Roots})
	require.ErrorIs(t, err, attest.ErrParse)

	other := enclavetest.MustNew(enclavetest.Options{})
	_, err = attest.Verify(f.Evidence, f.Endorsement, short, f.Now, nil, attest.Options{Roots: other.Roots})
	require.ErrorIs(t, err, attest.ErrCrypto)

	_, err = attest.Verify(f.Evidence, f.Endorsement, short, f.ExpiresAt, nil, attest.Options{Roots: f.Roots})
	require.ErrorIs(t, err, attest.ErrFreshness)

	outOfDate := enclavetest.MustNew(enclavetest.Options{TCBStatus: attest.TCBOutOfDate})
	_, err = attest.Verify(outOfDate.Evidence, outOfDate.Endorsement, short, outOfDate.Now, nil, attest.Options{Roots: outOfDate.Roots})
	require.ErrorIs(t, err, attest.ErrFreshness)
}

// sampleTDXEvidence is a production TDX v4 quote cut to its declared length,
// so that no claims trailer follows it.
func sampleTDXEvidence(t *testing.T) []byte {
	t.Helper()
	const signatureLengthOffset = attest.HeaderSize + 584
	raw := testdata.RawQuote
	require.Greater(t, len(raw), signatureLengthOffset+4)
	end := signatureLengthOffset + 4 + int(binary.LittleEndian.Uint32(raw[signatureLengthOffset:]))
	require.LessOrEqual(t, end, len(raw))
	return bytes.Clone(raw[:end])
}

func TestVerifyTDXRequiresEndorsement(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})
	evidence := sampleTDXEvidence(t)

	for _, endorsement := range [][]byte{nil, []byte("{}"), []byte("{nope")} {
		_, err := attest.Verify(evidence, endorsement, f.Identity[:], f.Now, nil, attest.Options{Roots: f.Roots})
		require.ErrorIs(t, err, attest.ErrParse)
		assert.Contains(t, err.Error(), "endorsement")
	}
}

func TestVerifyTDXChecksCollateralChain(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{OmitCRLs: true})
	evidence := sampleTDXEvidence(t)

	// the quote's PCK chain does not end in the fixture root
	_, err := attest.Verify(evidence, f.Endorsement, f.Identity[:], f.Now, nil, attest.Options{Roots: f.Roots})
	require.ErrorIs(t, err, attest.ErrCrypto)

	_, err = attest.Verify(evidence, f.Endorsement, f.Identity[:], f.Now, nil, attest.Options{})
	require.ErrorIs(t, err, attest.ErrCrypto)
}

func TestVerifyMalformedInputs(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})

	unknownVersion := bytes.Clone(f.Evidence)
	binary.LittleEndian.PutUint16(unknownVersion, 7)

	truncatedTDX := bytes.Clone(f.Evidence[:200])
	binary.LittleEndian.PutUint16(truncatedTDX, attest.QuoteVersionTDX)
	binary.LittleEndian.PutUint32(truncatedTDX[4:], attest.TeeTypeTDX)

	badClaimsLen := bytes.Clone(f.Evidence)
	binary.LittleEndian.PutUint32(badClaimsLen[len(badClaimsLen)-len(f.Quote.Claims)-4:], 9999)

	var endorsement attest.Endorsement
	require.NoError(t, json.Unmarshal(f.Endorsement, &endorsement))
	withEndorsement := func(mut func(e *attest.Endorsement)) []byte {
		e := endorsement
		mut(&e)
		out, err := json.Marshal(e)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name        string
		evidence    []byte
		endorsement []byte
	}{
		{"empty evidence", nil, f.Endorsement},
		{"short header", f.Evidence[:20], f.Endorsement},
		{"truncated body", f.Evidence[:300], f.Endorsement},
		{"truncated signature data", f.Evidence[:600], f.Endorsement},
		{"unknown version", unknownVersion, f.Endorsement},
		{"truncated tdx", truncatedTDX, f.Endorsement},
		{"claims length overflow", badClaimsLen, f.Endorsement},
		{"trailing garbage", append(bytes.Clone(f.Evidence), 1, 2, 3), f.Endorsement},
		{"empty endorsement", f.Evidence, nil},
		{"endorsement not json", f.Evidence, []byte("{nope")},
		{"bad signature hex", f.Evidence, withEndorsement(func(e *attest.Endorsement) { e.TCBInfoSignature = "zz" })},
		{"bad issuer chain", f.Evidence, withEndorsement(func(e *attest.Endorsement) { e.TCBInfoIssuerChain = "nope" })},
		{"bad crl", f.Evidence, withEndorsement(func(e *attest.Endorsement) { e.PCKCRL = "nope" })},
		{"tcb info without levels", f.Evidence, withEndorsement(func(e *attest.Endorsement) {
			e.TCBInfo = json.RawMessage(`{"version":3,"issue_date":"2026-01-01T00:00:00Z","next_update":"2027-01-01T00:00:00Z","tcb_levels":[]}`)
		})},
		{"unknown tcb status", f.Evidence, withEndorsement(func(e *attest.Endorsement) {
			e.TCBInfo = json.RawMessage(`{"version":3,"issue_date":"2026-01-01T00:00:00Z","next_update":"2027-01-01T00:00:00Z","tcb_levels":[{"tcb_status":"Great"}]}`)
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := attest.Verify(tt.evidence, tt.endorsement, f.Identity[:], f.Now, nil, attest.Options{Roots: f.Roots})
			require.ErrorIs(t, err, attest.ErrParse)
			assert.False(t, errors.Is(err, attest.ErrCrypto))
			assert.False(t, errors.Is(err, attest.ErrIdentityMismatch))
		})
	}
}

func TestVerifyCrypto(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})
	other := enclavetest.MustNew(enclavetest.Options{})

	tamperedBody := bytes.Clone(f.Evidence)
	tamperedBody[attest.HeaderSize+2] ^= 1

	tamperedClaims := bytes.Clone(f.Evidence)
	tamperedClaims[len(tamperedClaims)-1] ^= 1

	var endorsement attest.Endorsement
	require.NoError(t, json.Unmarshal(f.Endorsement, &endorsement))
	endorsement.TCBInfo = bytes.Replace(endorsement.TCBInfo, []byte(`"tcb_evaluation_data_number":17`), []byte(`"tcb_evaluation_data_number":18`), 1)
	tamperedTCB, err := json.Marshal(endorsement)
	require.NoError(t, err)

	revoked := enclavetest.MustNew(enclavetest.Options{RevokePCK: true})

	tests := []struct {
		name        string
		evidence    []byte
		endorsement []byte
		roots       *enclavetest.Fixture
	}{
		{"untrusted root", f.Evidence, f.Endorsement, other},
		{"endorsement from another platform", f.Evidence, other.Endorsement, f},
		{"tampered report body", tamperedBody, f.Endorsement, f},
		{"tampered claims", tamperedClaims, f.Endorsement, f},
		{"tampered tcb info", f.Evidence, tamperedTCB, f},
		{"revoked pck", revoked.Evidence, revoked.Endorsement, revoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := attest.Verify(tt.evidence, tt.endorsement, f.Identity[:], f.Now, nil, attest.Options{Roots: tt.roots.Roots})
			require.ErrorIs(t, err, attest.ErrCrypto)
		})
	}

	_, err = attest.Verify(f.Evidence, f.Endorsement, f.Identity[:], f.Now, nil, attest.Options{})
	require.ErrorIs(t, err, attest.ErrCrypto, "no roots")
}

func TestVerifyCryptoBeforeFreshness(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})
	tampered := bytes.Clone(f.Evidence)
	tampered[attest.HeaderSize+2] ^= 1

	_, err := verifyFixture(&enclavetest.Fixture{Identity: f.Identity, Evidence: tampered, Endorsement: f.Endorsement, Roots: f.Roots}, f.ExpiresAt.AddDate(1, 0, 0), nil)
	require.ErrorIs(t, err, attest.ErrCrypto)
}

func TestVerifyAdvisories(t *testing.T) {
	advisories := []interfaces.SoftwareAdvisory{"INTEL-SA-00615", "INTEL-SA-00334"}

	tests := []struct {
		name     string
		status   attest.TCBStatus
		ids      []interfaces.SoftwareAdvisory
		policy   interfaces.AdvisoryPolicy
		wantErr  error
		expected []interfaces.SoftwareAdvisory
	}{
		{
			name:     "sw hardening allowed",
			status:   attest.TCBSWHardeningNeeded,
			ids:      advisories,
			policy:   allow("INTEL-SA-00334", "INTEL-SA-00615", "INTEL-SA-00999"),
			expected: []interfaces.SoftwareAdvisory{"INTEL-SA-00334", "INTEL-SA-00615"},
		},
		{
			name:    "sw hardening partially allowed",
			status:  attest.TCBSWHardeningNeeded,
			ids:     advisories,
			policy:  allow("INTEL-SA-00334"),
			wantErr: attest.ErrFreshness,
		},
		{
			name:    "nil policy",
			status:  attest.TCBConfigurationAndSWHardeningNeeded,
			ids:     advisories,
			policy:  nil,
			wantErr: attest.ErrFreshness,
		},
		{
			name:     "out of date but allowed",
			status:   attest.TCBOutOfDate,
			ids:      advisories[:1],
			policy:   allow(advisories...),
			expected: advisories[:1],
		},
		{
			name:    "out of date without advisories",
			status:  attest.TCBOutOfDate,
			policy:  allow(advisories...),
			wantErr: attest.ErrFreshness,
		},
		{
			name:     "configuration needed without advisories",
			status:   attest.TCBConfigurationNeeded,
			policy:   nil,
			expected: []interfaces.SoftwareAdvisory{},
		},
		{
			name:    "revoked is never accepted",
			status:  attest.TCBRevoked,
			ids:     advisories,
			policy:  allow(advisories...),
			wantErr: attest.ErrFreshness,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := enclavetest.MustNew(enclavetest.Options{TCBStatus: tt.status, Advisories: tt.ids})
			report, err := verifyFixture(f, f.Now, tt.policy)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, report.TCBStatus)
			assert.Equal(t, tt.expected, report.Advisories)
		})
	}
}

func TestVerifyWithoutCRLs(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{OmitCRLs: true})
	_, err := verifyFixture(f, f.Now, nil)
	require.NoError(t, err)
}

func TestErrorKinds(t *testing.T) {
	err := &attest.Error{Kind: attest.KindCrypto, Err: errors.New("boom")}
	assert.ErrorIs(t, err, attest.ErrCrypto)
	assert.NotErrorIs(t, err, attest.ErrParse)
	assert.Contains(t, err.Error(), "boom")

	var target *attest.Error
	require.ErrorAs(t, error(err), &target)
	assert.Equal(t, attest.KindCrypto, target.Kind)
}
