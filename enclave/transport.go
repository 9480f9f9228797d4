package enclave

import "github.com/ruteri/attested-lookup/cryptoutils"

// Transport seals outgoing frames and opens incoming ones for one side of a
// session.
type Transport struct {
	send *cryptoutils.FrameCipher
	recv *cryptoutils.FrameCipher
}

func newTransport(sendKey, recvKey []byte) (*Transport, error) {
	send, err := cryptoutils.NewFrameCipher(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := cryptoutils.NewFrameCipher(recvKey)
	if err != nil {
		return nil, err
	}
	return &Transport{send: send, recv: recv}, nil
}

func (t *Transport) Seal(plaintext []byte) ([]byte, error) {
	return t.send.Seal(plaintext)
}

func (t *Transport) Open(frame []byte) ([]byte, error) {
	return t.recv.Open(frame)
}
