package enclave

import (
	"fmt"

	"github.com/ruteri/attested-lookup/cryptoutils"
)

// Claims are the enclave handshake keys bound into the quote.
type Claims struct {
	X25519Public []byte
	KEMPublic    []byte
}

// Encode lays out the claims as bound by REPORTDATA.
func (c Claims) Encode() []byte {
	out := make([]byte, 0, len(c.X25519Public)+len(c.KEMPublic))
	out = append(out, c.X25519Public...)
	return append(out, c.KEMPublic...)
}

// ParseClaims splits raw claims. Post-quantum handshakes require the
// encapsulation key; standard handshakes ignore it when present.
func ParseClaims(raw []byte, typ HandshakeType) (Claims, error) {
	if len(raw) < cryptoutils.X25519KeySize {
		return Claims{}, fmt.Errorf("%w: %d bytes", ErrInvalidClaims, len(raw))
	}

	c := Claims{X25519Public: raw[:cryptoutils.X25519KeySize]}
	rest := raw[cryptoutils.X25519KeySize:]
	switch {
	case len(rest) == 0:
	case len(rest) == cryptoutils.KEM().PublicKeySize():
		c.KEMPublic = rest
	default:
		return Claims{}, fmt.Errorf("%w: unexpected %d trailing bytes", ErrInvalidClaims, len(rest))
	}

	if typ == PostQuantum && c.KEMPublic == nil {
		return Claims{}, fmt.Errorf("%w: post-quantum handshake needs an encapsulation key", ErrInvalidClaims)
	}
	return c, nil
}
