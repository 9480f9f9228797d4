package attest

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/interfaces"
)

type TCBStatus string

const (
	TCBUpToDate                          TCBStatus = "UpToDate"
	TCBSWHardeningNeeded                 TCBStatus = "SWHardeningNeeded"
	TCBConfigurationNeeded               TCBStatus = "ConfigurationNeeded"
	TCBConfigurationAndSWHardeningNeeded TCBStatus = "ConfigurationAndSWHardeningNeeded"
	TCBOutOfDate                         TCBStatus = "OutOfDate"
	TCBOutOfDateConfigurationNeeded      TCBStatus = "OutOfDateConfigurationNeeded"
	TCBRevoked                           TCBStatus = "Revoked"
)

func (s TCBStatus) valid() bool {
	switch s {
	case TCBUpToDate, TCBSWHardeningNeeded, TCBConfigurationNeeded, TCBConfigurationAndSWHardeningNeeded,
		TCBOutOfDate, TCBOutOfDateConfigurationNeeded, TCBRevoked:
		return true
	}
	return false
}

// outOfDate reports whether the platform misses security patches, as opposed
// to only needing configuration or software hardening.
func (s TCBStatus) outOfDate() bool {
	return s == TCBOutOfDate || s == TCBOutOfDateConfigurationNeeded
}

// Endorsement is the collateral accompanying a quote.
type Endorsement struct {
	TCBInfo            json.RawMessage `json:"tcb_info"`
	TCBInfoSignature   string          `json:"tcb_info_signature"`
	TCBInfoIssuerChain string          `json:"tcb_info_issuer_chain"`
	PCKCRL             string          `json:"pck_crl,omitempty"`
	RootCACRL          string          `json:"root_ca_crl,omitempty"`
}

type TCBInfo struct {
	Version                 int        `json:"version"`
	IssueDate               time.Time  `json:"issue_date"`
	NextUpdate              time.Time  `json:"next_update"`
	FMSPC                   string     `json:"fmspc"`
	TCBEvaluationDataNumber int64      `json:"tcb_evaluation_data_number"`
	TCBLevels               []TCBLevel `json:"tcb_levels"`
}

type TCBLevel struct {
	TCB         TCBComponents                 `json:"tcb"`
	TCBDate     time.Time                     `json:"tcb_date"`
	TCBStatus   TCBStatus                     `json:"tcb_status"`
	AdvisoryIDs []interfaces.SoftwareAdvisory `json:"advisory_ids,omitempty"`
}

type TCBComponents struct {
	SGXComponents [16]uint8 `json:"sgx_tcb_components"`
	// TDXComponents are compared with TEE_TCB_SVN of TDX quotes.
	TDXComponents [16]uint8 `json:"tdx_tcb_components"`
	PCESVN        uint16    `json:"pce_svn"`
}

// Matches reports whether a platform with the given CPUSVN and PCE SVN is at
// or above this level.
func (l TCBLevel) Matches(cpuSVN [16]byte, pceSVN uint16) bool {
	for i, c := range l.TCB.SGXComponents {
		if cpuSVN[i] < c {
			return false
		}
	}
	return pceSVN >= l.TCB.PCESVN
}

// MatchesTDX reports whether a TD with the given TEE_TCB_SVN and PCE SVN is
// at or above this level.
func (l TCBLevel) MatchesTDX(teeTCBSVN [16]byte, pceSVN uint16) bool {
	for i, c := range l.TCB.TDXComponents {
		if teeTCBSVN[i] < c {
			return false
		}
	}
	return pceSVN >= l.TCB.PCESVN
}

// platformTCB is the TCB a quote reports. svn holds CPUSVN for SGX quotes
// and TEE_TCB_SVN for TDX quotes.
type platformTCB struct {
	tdx    bool
	svn    [16]byte
	pceSVN uint16
}

func (p platformTCB) satisfies(l TCBLevel) bool {
	if p.tdx {
		return l.MatchesTDX(p.svn, p.pceSVN)
	}
	return l.Matches(p.svn, p.pceSVN)
}

// parsedEndorsement holds the decoded form of an Endorsement.
type parsedEndorsement struct {
	tcbInfoRaw   []byte
	tcbInfo      TCBInfo
	tcbSignature []byte
	tcbChain     cryptoutils.CertChain
	pckCRL       *x509.RevocationList
	rootCRL      *x509.RevocationList
}

func decodeEndorsement(data []byte) (*Endorsement, error) {
	var e Endorsement
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("invalid endorsement json: %w", err)
	}
	return &e, nil
}

func parseEndorsement(data []byte) (*parsedEndorsement, error) {
	e, err := decodeEndorsement(data)
	if err != nil {
		return nil, err
	}
	if len(e.TCBInfo) == 0 {
		return nil, errors.New("endorsement has no tcb_info")
	}

	p := &parsedEndorsement{tcbInfoRaw: e.TCBInfo}
	if err := json.Unmarshal(e.TCBInfo, &p.tcbInfo); err != nil {
		return nil, fmt.Errorf("invalid tcb_info: %w", err)
	}
	if len(p.tcbInfo.TCBLevels) == 0 {
		return nil, errors.New("tcb_info has no tcb levels")
	}
	for i, level := range p.tcbInfo.TCBLevels {
		if !level.TCBStatus.valid() {
			return nil, fmt.Errorf("tcb level %d: unknown status %q", i, level.TCBStatus)
		}
	}
	if p.tcbInfo.IssueDate.IsZero() || p.tcbInfo.NextUpdate.IsZero() {
		return nil, errors.New("tcb_info is missing issue_date or next_update")
	}

	if p.tcbSignature, err = hex.DecodeString(e.TCBInfoSignature); err != nil {
		return nil, fmt.Errorf("invalid tcb_info_signature: %w", err)
	}
	if p.tcbChain, err = cryptoutils.ParsePEMChain([]byte(e.TCBInfoIssuerChain)); err != nil {
		return nil, fmt.Errorf("invalid tcb_info_issuer_chain: %w", err)
	}
	if e.PCKCRL != "" {
		if p.pckCRL, err = cryptoutils.ParsePEMCRL([]byte(e.PCKCRL)); err != nil {
			return nil, fmt.Errorf("invalid pck_crl: %w", err)
		}
	}
	if e.RootCACRL != "" {
		if p.rootCRL, err = cryptoutils.ParsePEMCRL([]byte(e.RootCACRL)); err != nil {
			return nil, fmt.Errorf("invalid root_ca_crl: %w", err)
		}
	}
	return p, nil
}

// matchingLevel returns the first level, in collateral order, the platform satisfies.
func (i *TCBInfo) matchingLevel(platform platformTCB) (TCBLevel, bool) {
	for _, level := range i.TCBLevels {
		if platform.satisfies(level) {
			return level, true
		}
	}
	return TCBLevel{}, false
}
