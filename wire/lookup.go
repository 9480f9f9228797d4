package wire

import "google.golang.org/protobuf/encoding/protowire"

// ClientRequest is the lookup request frame. Identifier batches are packed
// byte strings: E.164 numbers as 8-byte big-endian integers, ACI/UAK pairs as
// 16-byte ACI followed by 16-byte unidentified access key.
type ClientRequest struct {
	AciUakPairs           []byte
	PrevE164s             []byte
	NewE164s              []byte
	DiscardE164s          []byte
	Token                 []byte
	TokenAck              bool
	ReturnAcisWithoutUaks bool
}

func (m *ClientRequest) Encode() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.AciUakPairs)
	b = appendBytesField(b, 2, m.PrevE164s)
	b = appendBytesField(b, 3, m.NewE164s)
	b = appendBytesField(b, 4, m.DiscardE164s)
	b = appendBytesField(b, 6, m.Token)
	b = appendVarintField(b, 7, protowire.EncodeBool(m.TokenAck))
	b = appendVarintField(b, 8, protowire.EncodeBool(m.ReturnAcisWithoutUaks))
	return b
}

func DecodeClientRequest(b []byte) (*ClientRequest, error) {
	msg := &ClientRequest{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var flag uint64
		switch num {
		case 1:
			return consumeBytes(num, typ, v, &msg.AciUakPairs)
		case 2:
			return consumeBytes(num, typ, v, &msg.PrevE164s)
		case 3:
			return consumeBytes(num, typ, v, &msg.NewE164s)
		case 4:
			return consumeBytes(num, typ, v, &msg.DiscardE164s)
		case 6:
			return consumeBytes(num, typ, v, &msg.Token)
		case 7:
			n, err := consumeVarint(num, typ, v, &flag)
			msg.TokenAck = protowire.DecodeBool(flag)
			return n, err
		case 8:
			n, err := consumeVarint(num, typ, v, &flag)
			msg.ReturnAcisWithoutUaks = protowire.DecodeBool(flag)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ClientResponse is a lookup response frame. The first frame carries the
// continuation token, later frames carry result triples: 8-byte E.164,
// 16-byte PNI, 16-byte ACI.
type ClientResponse struct {
	E164PniAciTriples []byte
	Token             []byte
	DebugPermitsUsed  int32
}

func (m *ClientResponse) Encode() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.E164PniAciTriples)
	b = appendBytesField(b, 2, m.Token)
	b = appendVarintField(b, 3, uint64(m.DebugPermitsUsed))
	return b
}

func DecodeClientResponse(b []byte) (*ClientResponse, error) {
	msg := &ClientResponse{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(num, typ, v, &msg.E164PniAciTriples)
		case 2:
			return consumeBytes(num, typ, v, &msg.Token)
		case 3:
			var permits uint64
			n, err := consumeVarint(num, typ, v, &permits)
			msg.DebugPermitsUsed = int32(permits)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
