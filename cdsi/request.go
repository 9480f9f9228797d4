package cdsi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/attested-lookup/wire"
)

// MaxTokenSize bounds the continuation token a caller may present.
const MaxTokenSize = 64 * 1024

var errInvalidE164 = errors.New("invalid E.164 number")

// E164 is a phone number in E.164 form, stored without the leading plus.
type E164 uint64

// ParseE164 accepts "+<digits>" with up to 15 digits.
func ParseE164(s string) (E164, error) {
	digits, ok := strings.CutPrefix(strings.TrimSpace(s), "+")
	if !ok || len(digits) == 0 || len(digits) > 15 || digits[0] == '0' {
		return 0, fmt.Errorf("%w: %q", errInvalidE164, s)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errInvalidE164, s)
	}
	return E164(n), nil
}

func (e E164) String() string {
	return "+" + strconv.FormatUint(uint64(e), 10)
}

// AciUak pairs a known account identifier with its unidentified access key.
type AciUak struct {
	ACI uuid.UUID
	UAK [16]byte
}

// Token is the opaque continuation token returned by a lookup.
type Token []byte

type LookupRequest struct {
	NewE164s     []E164
	PrevE164s    []E164
	DiscardE164s []E164
	AciUakPairs  []AciUak
	// Token from a previous lookup. Empty means a fresh lookup.
	Token                 []byte
	ReturnAcisWithoutUaks bool
}

func packE164s(numbers []E164) []byte {
	raw := make([]uint64, len(numbers))
	for i, n := range numbers {
		raw[i] = uint64(n)
	}
	return wire.PackE164s(raw)
}

func (r *LookupRequest) encode() ([]byte, error) {
	if len(r.Token) > MaxTokenSize {
		return nil, newError(KindInvalidToken, fmt.Errorf("token is %d bytes, limit is %d", len(r.Token), MaxTokenSize))
	}

	pairs := make([]wire.AciUak, len(r.AciUakPairs))
	for i, p := range r.AciUakPairs {
		pairs[i] = wire.AciUak{ACI: p.ACI, UAK: p.UAK}
	}

	msg := &wire.ClientRequest{
		AciUakPairs:           wire.PackAciUaks(pairs),
		PrevE164s:             packE164s(r.PrevE164s),
		NewE164s:              packE164s(r.NewE164s),
		DiscardE164s:          packE164s(r.DiscardE164s),
		Token:                 r.Token,
		ReturnAcisWithoutUaks: r.ReturnAcisWithoutUaks,
	}
	return msg.Encode(), nil
}

func (r *LookupRequest) clone() *LookupRequest {
	return &LookupRequest{
		NewE164s:              append([]E164(nil), r.NewE164s...),
		PrevE164s:             append([]E164(nil), r.PrevE164s...),
		DiscardE164s:          append([]E164(nil), r.DiscardE164s...),
		AciUakPairs:           append([]AciUak(nil), r.AciUakPairs...),
		Token:                 append([]byte(nil), r.Token...),
		ReturnAcisWithoutUaks: r.ReturnAcisWithoutUaks,
	}
}

// RequestBuilder collects a request from several goroutines before it is sent.
type RequestBuilder struct {
	cell *Cell[*LookupRequest]
}

func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{cell: NewCell(&LookupRequest{})}
}

func (b *RequestBuilder) AddNewE164(e E164) {
	b.cell.Update(func(r *LookupRequest) { r.NewE164s = append(r.NewE164s, e) })
}

func (b *RequestBuilder) AddPrevE164(e E164) {
	b.cell.Update(func(r *LookupRequest) { r.PrevE164s = append(r.PrevE164s, e) })
}

func (b *RequestBuilder) AddAciUak(aci uuid.UUID, uak [16]byte) {
	b.cell.Update(func(r *LookupRequest) { r.AciUakPairs = append(r.AciUakPairs, AciUak{ACI: aci, UAK: uak}) })
}

func (b *RequestBuilder) SetToken(token []byte) {
	b.cell.Update(func(r *LookupRequest) { r.Token = append([]byte(nil), token...) })
}

func (b *RequestBuilder) SetReturnAcisWithoutUaks(v bool) {
	b.cell.Update(func(r *LookupRequest) { r.ReturnAcisWithoutUaks = v })
}

// Build returns a copy of the request accumulated so far.
func (b *RequestBuilder) Build() *LookupRequest {
	var out *LookupRequest
	b.cell.Update(func(r *LookupRequest) { out = r.clone() })
	return out
}
