package attest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/attested-lookup/cryptoutils"
)

// ExtractMetrics decodes as many named counters as it can from evidence and
// endorsement without verifying either. It fails only when neither input
// yields a single counter.
func ExtractMetrics(evidence, endorsement []byte) (map[string]int64, error) {
	metrics := make(map[string]int64)
	evidenceErr := quoteMetrics(evidence, metrics)
	endorsementErr := collateralMetrics(endorsement, metrics)

	if len(metrics) == 0 {
		return nil, parseErr("no metrics: %w", errors.Join(evidenceErr, endorsementErr))
	}
	return metrics, nil
}

func quoteMetrics(evidence []byte, metrics map[string]int64) error {
	header, err := peekHeader(evidence)
	if err != nil {
		return fmt.Errorf("evidence: %w", err)
	}
	metrics["quote_version"] = int64(header.Version)
	metrics["tee_type"] = int64(header.TeeType)
	metrics["qe_svn"] = int64(header.QESVN)
	metrics["pce_svn"] = int64(header.PCESVN)

	if header.Version != QuoteVersionSGX || len(evidence) < HeaderSize+ReportBodySize {
		return nil
	}
	body := parseReportBody(evidence[HeaderSize : HeaderSize+ReportBodySize])
	metrics["isv_svn"] = int64(body.ISVSVN)
	metrics["isv_prod_id"] = int64(body.ISVProdID)

	quote, err := ParseQuote(evidence)
	if err != nil {
		return nil
	}
	chain, err := cryptoutils.ParsePEMChain(quote.CertData)
	if err != nil {
		return nil
	}
	metrics["pck_expiration_ts"] = chain.Leaf().NotAfter.Unix()
	return nil
}

func collateralMetrics(endorsement []byte, metrics map[string]int64) error {
	e, err := decodeEndorsement(endorsement)
	if err != nil {
		return fmt.Errorf("endorsement: %w", err)
	}

	if chain, err := cryptoutils.ParsePEMChain([]byte(e.TCBInfoIssuerChain)); err == nil {
		metrics["tcb_signer_expiration_ts"] = chain.Leaf().NotAfter.Unix()
		// the issuer chain ends in the root CA
		metrics["root_expiration_ts"] = chain[len(chain)-1].NotAfter.Unix()
	}

	var info TCBInfo
	if err := json.Unmarshal(e.TCBInfo, &info); err != nil {
		return fmt.Errorf("tcb_info: %w", err)
	}
	metrics["tcb_info_version"] = int64(info.Version)
	metrics["tcb_evaluation_data_number"] = info.TCBEvaluationDataNumber
	metrics["tcb_levels"] = int64(len(info.TCBLevels))
	if !info.IssueDate.IsZero() {
		metrics["tcb_info_issue_ts"] = info.IssueDate.Unix()
	}
	if !info.NextUpdate.IsZero() {
		metrics["tcb_info_next_update_ts"] = info.NextUpdate.Unix()
	}
	return nil
}
