package attest

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ruteri/attested-lookup/interfaces"
)

const (
	QuoteVersionSGX = 3
	QuoteVersionTDX = 4

	TeeTypeSGX = 0x00
	TeeTypeTDX = 0x81

	AttestationKeyTypeECDSAP256 = 2
	CertDataTypePCKChain        = 5

	HeaderSize     = 48
	ReportBodySize = 384
	ReportDataSize = 64

	rawSignatureSize = 64
	rawPublicKeySize = 64

	tdxBodySize = 584
)

// QuoteHeader is the fixed quote header shared by SGX and TDX quotes.
type QuoteHeader struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
	QESVN              uint16
	PCESVN             uint16
	QEVendorID         [16]byte
	UserData           [20]byte
}

// ReportBody is the SGX enclave report signed by the quoting enclave.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Attributes [16]byte
	MREnclave  [32]byte
	MRSigner   [32]byte
	ISVProdID  uint16
	ISVSVN     uint16
	ReportData [ReportDataSize]byte
}

// Quote is a decoded SGX ECDSA quote followed by its custom claims.
type Quote struct {
	Header                    QuoteHeader
	Body                      ReportBody
	Signature                 []byte
	AttestationKey            []byte
	AttestationKeyEndorsement []byte
	CertDataType              uint16
	CertData                  []byte
	Claims                    []byte

	signed []byte
}

// SignedBytes returns the header and report body as covered by the quote signature.
func (q *Quote) SignedBytes() []byte {
	if q.signed != nil {
		return q.signed
	}
	return append(q.Header.marshal(), q.Body.marshal()...)
}

// Identity returns MRENCLAVE.
func (q *Quote) Identity() interfaces.EnclaveIdentity {
	return interfaces.EnclaveIdentity(q.Body.MREnclave)
}

// BindClaims stores claims and sets REPORTDATA to SHA-256(claims) followed by zeros.
func (q *Quote) BindClaims(claims []byte) {
	q.Claims = claims
	q.Body.ReportData = [ReportDataSize]byte{}
	digest := sha256.Sum256(claims)
	copy(q.Body.ReportData[:], digest[:])
	q.signed = nil
}

func peekHeader(data []byte) (QuoteHeader, error) {
	var h QuoteHeader
	if len(data) < HeaderSize {
		return h, fmt.Errorf("quote too short for header: %d bytes", len(data))
	}
	h.Version = binary.LittleEndian.Uint16(data[0:])
	h.AttestationKeyType = binary.LittleEndian.Uint16(data[2:])
	h.TeeType = binary.LittleEndian.Uint32(data[4:])
	h.QESVN = binary.LittleEndian.Uint16(data[8:])
	h.PCESVN = binary.LittleEndian.Uint16(data[10:])
	copy(h.QEVendorID[:], data[12:28])
	copy(h.UserData[:], data[28:48])
	return h, nil
}

func (h QuoteHeader) marshal() []byte {
	out := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(out[0:], h.Version)
	binary.LittleEndian.PutUint16(out[2:], h.AttestationKeyType)
	binary.LittleEndian.PutUint32(out[4:], h.TeeType)
	binary.LittleEndian.PutUint16(out[8:], h.QESVN)
	binary.LittleEndian.PutUint16(out[10:], h.PCESVN)
	copy(out[12:28], h.QEVendorID[:])
	copy(out[28:48], h.UserData[:])
	return out
}

func parseReportBody(data []byte) ReportBody {
	var b ReportBody
	copy(b.CPUSVN[:], data[0:16])
	b.MiscSelect = binary.LittleEndian.Uint32(data[16:])
	copy(b.Attributes[:], data[48:64])
	copy(b.MREnclave[:], data[64:96])
	copy(b.MRSigner[:], data[128:160])
	b.ISVProdID = binary.LittleEndian.Uint16(data[256:])
	b.ISVSVN = binary.LittleEndian.Uint16(data[258:])
	copy(b.ReportData[:], data[320:384])
	return b
}

func (b ReportBody) marshal() []byte {
	out := make([]byte, ReportBodySize)
	copy(out[0:16], b.CPUSVN[:])
	binary.LittleEndian.PutUint32(out[16:], b.MiscSelect)
	copy(out[48:64], b.Attributes[:])
	copy(out[64:96], b.MREnclave[:])
	copy(out[128:160], b.MRSigner[:])
	binary.LittleEndian.PutUint16(out[256:], b.ISVProdID)
	binary.LittleEndian.PutUint16(out[258:], b.ISVSVN)
	copy(out[320:384], b.ReportData[:])
	return out
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, fmt.Errorf("truncated %s: need %d bytes at offset %d, have %d", what, n, r.off, len(r.data)-r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u16(what string) (uint16, error) {
	b, err := r.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// splitClaims separates a length-prefixed claims trailer from the quote bytes
// that precede it.
func splitClaims(r *reader) ([]byte, error) {
	if r.off == len(r.data) {
		return nil, nil
	}
	n, err := r.u32("claims length")
	if err != nil {
		return nil, err
	}
	claims, err := r.take(int(n), "claims")
	if err != nil {
		return nil, err
	}
	if r.off != len(r.data) {
		return nil, fmt.Errorf("%d trailing bytes after claims", len(r.data)-r.off)
	}
	return claims, nil
}

// ParseQuote decodes an SGX v3 ECDSA quote with trailing custom claims.
func ParseQuote(data []byte) (*Quote, error) {
	header, err := peekHeader(data)
	if err != nil {
		return nil, err
	}
	if header.Version != QuoteVersionSGX {
		return nil, fmt.Errorf("unsupported quote version %d", header.Version)
	}
	if header.TeeType != TeeTypeSGX {
		return nil, fmt.Errorf("unsupported tee type 0x%x", header.TeeType)
	}
	if header.AttestationKeyType != AttestationKeyTypeECDSAP256 {
		return nil, fmt.Errorf("unsupported attestation key type %d", header.AttestationKeyType)
	}

	r := &reader{data: data, off: HeaderSize}
	body, err := r.take(ReportBodySize, "report body")
	if err != nil {
		return nil, err
	}

	q := &Quote{
		Header: header,
		Body:   parseReportBody(body),
		signed: data[:HeaderSize+ReportBodySize],
	}

	sigLen, err := r.u32("signature data length")
	if err != nil {
		return nil, err
	}
	sigData, err := r.take(int(sigLen), "signature data")
	if err != nil {
		return nil, err
	}
	if err := q.parseSignatureData(sigData); err != nil {
		return nil, err
	}

	if q.Claims, err = splitClaims(r); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Quote) parseSignatureData(data []byte) error {
	r := &reader{data: data}
	var err error
	if q.Signature, err = r.take(rawSignatureSize, "quote signature"); err != nil {
		return err
	}
	if q.AttestationKey, err = r.take(rawPublicKeySize, "attestation key"); err != nil {
		return err
	}
	if q.AttestationKeyEndorsement, err = r.take(rawSignatureSize, "attestation key endorsement"); err != nil {
		return err
	}
	if q.CertDataType, err = r.u16("certification data type"); err != nil {
		return err
	}
	if q.CertDataType != CertDataTypePCKChain {
		return fmt.Errorf("unsupported certification data type %d", q.CertDataType)
	}
	certLen, err := r.u32("certification data size")
	if err != nil {
		return err
	}
	if q.CertData, err = r.take(int(certLen), "certification data"); err != nil {
		return err
	}
	if r.off != len(data) {
		return fmt.Errorf("%d trailing bytes in signature data", len(data)-r.off)
	}
	return nil
}

// Marshal encodes the quote and its claims trailer.
func (q *Quote) Marshal() []byte {
	out := q.SignedBytes()
	out = append([]byte{}, out...)

	sig := make([]byte, 0, rawSignatureSize*2+rawPublicKeySize+6+len(q.CertData))
	sig = append(sig, q.Signature...)
	sig = append(sig, q.AttestationKey...)
	sig = append(sig, q.AttestationKeyEndorsement...)
	sig = binary.LittleEndian.AppendUint16(sig, q.CertDataType)
	sig = binary.LittleEndian.AppendUint32(sig, uint32(len(q.CertData)))
	sig = append(sig, q.CertData...)

	out = binary.LittleEndian.AppendUint32(out, uint32(len(sig)))
	out = append(out, sig...)
	if q.Claims != nil {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(q.Claims)))
		out = append(out, q.Claims...)
	}
	return out
}

// splitTDXQuote separates a raw TDX v4 quote from its claims trailer.
func splitTDXQuote(data []byte) (quote, claims []byte, err error) {
	r := &reader{data: data, off: HeaderSize}
	if _, err := r.take(tdxBodySize, "td report body"); err != nil {
		return nil, nil, err
	}
	sigLen, err := r.u32("signature data length")
	if err != nil {
		return nil, nil, err
	}
	if _, err := r.take(int(sigLen), "signature data"); err != nil {
		return nil, nil, err
	}
	quote = data[:r.off]
	if claims, err = splitClaims(r); err != nil {
		return nil, nil, err
	}
	return quote, claims, nil
}
