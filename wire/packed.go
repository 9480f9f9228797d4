package wire

import "encoding/binary"

const (
	E164Size   = 8
	UUIDSize   = 16
	TripleSize = E164Size + 2*UUIDSize
	AciUakSize = 2 * UUIDSize
)

// Triple is one lookup result. A zero PNI or ACI means not found.
type Triple struct {
	E164 uint64
	PNI  [UUIDSize]byte
	ACI  [UUIDSize]byte
}

// AciUak pairs an ACI with its unidentified access key.
type AciUak struct {
	ACI [UUIDSize]byte
	UAK [UUIDSize]byte
}

func PackE164s(numbers []uint64) []byte {
	out := make([]byte, 0, len(numbers)*E164Size)
	for _, n := range numbers {
		out = binary.BigEndian.AppendUint64(out, n)
	}
	return out
}

func UnpackE164s(b []byte) ([]uint64, error) {
	if len(b)%E164Size != 0 {
		return nil, decodeErr("packed e164s: length %d is not a multiple of %d", len(b), E164Size)
	}
	out := make([]uint64, 0, len(b)/E164Size)
	for ; len(b) > 0; b = b[E164Size:] {
		out = append(out, binary.BigEndian.Uint64(b))
	}
	return out, nil
}

func PackAciUaks(pairs []AciUak) []byte {
	out := make([]byte, 0, len(pairs)*AciUakSize)
	for _, p := range pairs {
		out = append(out, p.ACI[:]...)
		out = append(out, p.UAK[:]...)
	}
	return out
}

func UnpackAciUaks(b []byte) ([]AciUak, error) {
	if len(b)%AciUakSize != 0 {
		return nil, decodeErr("packed aci/uak pairs: length %d is not a multiple of %d", len(b), AciUakSize)
	}
	out := make([]AciUak, 0, len(b)/AciUakSize)
	for ; len(b) > 0; b = b[AciUakSize:] {
		var p AciUak
		copy(p.ACI[:], b[:UUIDSize])
		copy(p.UAK[:], b[UUIDSize:AciUakSize])
		out = append(out, p)
	}
	return out, nil
}

func PackTriples(triples []Triple) []byte {
	out := make([]byte, 0, len(triples)*TripleSize)
	for _, t := range triples {
		out = binary.BigEndian.AppendUint64(out, t.E164)
		out = append(out, t.PNI[:]...)
		out = append(out, t.ACI[:]...)
	}
	return out
}

func UnpackTriples(b []byte) ([]Triple, error) {
	if len(b)%TripleSize != 0 {
		return nil, decodeErr("packed triples: length %d is not a multiple of %d", len(b), TripleSize)
	}
	out := make([]Triple, 0, len(b)/TripleSize)
	for ; len(b) > 0; b = b[TripleSize:] {
		var t Triple
		t.E164 = binary.BigEndian.Uint64(b)
		copy(t.PNI[:], b[E164Size:E164Size+UUIDSize])
		copy(t.ACI[:], b[E164Size+UUIDSize:TripleSize])
		out = append(out, t)
	}
	return out, nil
}
