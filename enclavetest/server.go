package enclavetest

import (
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruteri/attested-lookup/enclave"
	"github.com/ruteri/attested-lookup/route"
	"github.com/ruteri/attested-lookup/wire"
)

// ServerConfig scripts the behavior of a fake enclave.
type ServerConfig struct {
	Type enclave.HandshakeType

	// UpgradeStatus refuses the websocket upgrade with this HTTP status.
	UpgradeStatus int
	RetryAfter    string
	// ConfirmationHeader is set on the upgrade response when not empty.
	ConfirmationHeader string
	// HandshakeDelay postpones the handshake-start frame.
	HandshakeDelay time.Duration
	// HandshakeStart replaces the fixture's handshake-start frame.
	HandshakeStart []byte

	// Token is returned in the first response. A counter based token is
	// generated when empty.
	Token     []byte
	OmitToken bool
	// CloseCode closes the session right after the request is received.
	CloseCode   int
	CloseReason string
	// Triples are returned in pages of PageSize results.
	Triples  []wire.Triple
	PageSize int
}

// Server is a fake lookup enclave served over TLS websockets.
type Server struct {
	*httptest.Server
	Fixture *Fixture
	Config  ServerConfig

	upgrader websocket.Upgrader

	mu       sync.Mutex
	requests []*wire.ClientRequest
	sessions int
}

// NewServer starts a fake enclave presenting f's attestation.
func NewServer(f *Fixture, cfg ServerConfig) *Server {
	if cfg.PageSize == 0 {
		cfg.PageSize = 2
	}
	s := &Server{Fixture: f, Config: cfg}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	return s
}

// Endpoint addresses the server.
func (s *Server) Endpoint() route.Endpoint {
	host, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return route.Endpoint{
		Host:               host,
		Port:               p,
		Path:               "/v1/discovery",
		ConfirmationHeader: s.Config.ConfirmationHeader,
	}
}

// RootCAs trusts the server's TLS certificate.
func (s *Server) RootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return pool
}

// Requests returns the lookup requests received so far.
func (s *Server) Requests() []*wire.ClientRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.ClientRequest(nil), s.requests...)
}

// Sessions counts completed handshakes.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config
	if cfg.UpgradeStatus != 0 {
		if cfg.RetryAfter != "" {
			w.Header().Set("Retry-After", cfg.RetryAfter)
		}
		http.Error(w, http.StatusText(cfg.UpgradeStatus), cfg.UpgradeStatus)
		return
	}

	header := http.Header{}
	if cfg.ConfirmationHeader != "" {
		header.Set(cfg.ConfirmationHeader, strconv.FormatInt(time.Now().Unix(), 10))
	}
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer ws.Close()

	if cfg.HandshakeDelay > 0 {
		select {
		case <-time.After(cfg.HandshakeDelay):
		case <-r.Context().Done():
			return
		}
	}

	start := cfg.HandshakeStart
	if start == nil {
		start = s.Fixture.HandshakeStart()
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, start); err != nil {
		return
	}

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return
	}
	transport, err := enclave.Accept(s.Fixture.Keys, cfg.Type, s.Fixture.Evidence, s.Fixture.Endorsement, msg)
	if err != nil {
		closeWith(ws, websocket.CloseProtocolError, "handshake failed")
		return
	}

	s.mu.Lock()
	s.sessions++
	session := s.sessions
	s.mu.Unlock()

	s.lookup(ws, transport, session)
}

// closeWith sends a close frame and waits briefly for the client's reply
// so the frame is not lost to a reset.
func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func receive(ws *websocket.Conn, t *enclave.Transport) ([]byte, error) {
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return t.Open(frame)
}

func send(ws *websocket.Conn, t *enclave.Transport, msg []byte) error {
	frame, err := t.Seal(msg)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Server) lookup(ws *websocket.Conn, t *enclave.Transport, session int) {
	cfg := s.Config

	raw, err := receive(ws, t)
	if err != nil {
		return
	}
	req, err := wire.DecodeClientRequest(raw)
	if err != nil {
		closeWith(ws, websocket.CloseProtocolError, "malformed request")
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if cfg.CloseCode != 0 {
		closeWith(ws, cfg.CloseCode, cfg.CloseReason)
		return
	}

	first := &wire.ClientResponse{}
	if !cfg.OmitToken {
		first.Token = cfg.Token
		if first.Token == nil {
			first.Token = []byte("token-" + strconv.Itoa(session))
		}
	}
	if err := send(ws, t, first.Encode()); err != nil {
		return
	}

	raw, err = receive(ws, t)
	if err != nil {
		return
	}
	ack, err := wire.DecodeClientRequest(raw)
	if err != nil || !ack.TokenAck {
		closeWith(ws, websocket.CloseProtocolError, "expected token ack")
		return
	}

	triples := cfg.Triples
	for len(triples) > 0 {
		n := min(cfg.PageSize, len(triples))
		page := &wire.ClientResponse{E164PniAciTriples: wire.PackTriples(triples[:n])}
		if err := send(ws, t, page.Encode()); err != nil {
			return
		}
		triples = triples[n:]
	}

	numbers, _ := wire.UnpackE164s(req.NewE164s)
	final := &wire.ClientResponse{DebugPermitsUsed: int32(len(numbers))}
	if err := send(ws, t, final.Encode()); err != nil {
		return
	}
	closeWith(ws, websocket.CloseNormalClosure, "")
}
