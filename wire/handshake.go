package wire

import "google.golang.org/protobuf/encoding/protowire"

// MinHandshakeStartSize is the size of the smallest valid handshake-start
// encoding: two tagged, length-prefixed, non-empty fields.
const MinHandshakeStartSize = 6

// HandshakeStart is the first frame an enclave sends: its attestation
// evidence (signed quote) and endorsement (collateral).
type HandshakeStart struct {
	Evidence    []byte
	Endorsement []byte
}

// DecodeHandshakeStart parses a handshake-start frame. Both fields are
// required; no partial message is ever returned.
func DecodeHandshakeStart(b []byte) (*HandshakeStart, error) {
	if len(b) < MinHandshakeStartSize {
		return nil, decodeErr("handshake start: %d bytes is shorter than minimal encoding", len(b))
	}

	msg := &HandshakeStart{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(num, typ, v, &msg.Evidence)
		case 2:
			return consumeBytes(num, typ, v, &msg.Endorsement)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if len(msg.Evidence) == 0 {
		return nil, decodeErr("handshake start: missing evidence")
	}
	if len(msg.Endorsement) == 0 {
		return nil, decodeErr("handshake start: missing endorsement")
	}
	return msg, nil
}

// Encode serializes the message.
func (m *HandshakeStart) Encode() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Evidence)
	b = appendBytesField(b, 2, m.Endorsement)
	return b
}

// ClientHandshake is the client's reply completing the key exchange.
type ClientHandshake struct {
	EphemeralPublic []byte
	KEMCiphertext   []byte
}

func DecodeClientHandshake(b []byte) (*ClientHandshake, error) {
	msg := &ClientHandshake{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(num, typ, v, &msg.EphemeralPublic)
		case 2:
			return consumeBytes(num, typ, v, &msg.KEMCiphertext)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if len(msg.EphemeralPublic) == 0 {
		return nil, decodeErr("client handshake: missing ephemeral key")
	}
	return msg, nil
}

func (m *ClientHandshake) Encode() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.EphemeralPublic)
	b = appendBytesField(b, 2, m.KEMCiphertext)
	return b
}
