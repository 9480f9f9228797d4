package cdsi

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ruteri/attested-lookup/connect"
	"github.com/ruteri/attested-lookup/wire"
	"go.uber.org/atomic"
)

// Conn is the attested session a lookup runs on. *connect.Connection
// satisfies it.
type Conn interface {
	Send(ctx context.Context, plaintext []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Record is one lookup result. PNI or ACI is uuid.Nil when the service has
// no value for it.
type Record struct {
	E164 E164
	PNI  uuid.UUID
	ACI  uuid.UUID
}

type LookupResponse struct {
	Records          []Record
	DebugPermitsUsed int32
}

// Send starts a lookup on conn. It returns once the service has issued the
// continuation token and the token was acknowledged; the result pages are read
// with the returned collector.
func Send(ctx context.Context, conn Conn, request *LookupRequest) (Token, *ResponseCollector, error) {
	frame, err := request.encode()
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return nil, nil, fromSession(err)
	}

	raw, err := conn.Receive(ctx)
	if err != nil {
		var closeErr *connect.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
			return nil, nil, newError(KindNoTokenInResponse, closeErr)
		}
		return nil, nil, fromSession(err)
	}
	first, err := wire.DecodeClientResponse(raw)
	if err != nil {
		return nil, nil, newError(KindParse, err)
	}
	if len(first.Token) == 0 {
		return nil, nil, newError(KindNoTokenInResponse, nil)
	}

	ack := &wire.ClientRequest{TokenAck: true}
	if err := conn.Send(ctx, ack.Encode()); err != nil {
		return nil, nil, fromSession(err)
	}

	collector := &ResponseCollector{conn: conn, pending: first}
	return Token(first.Token), collector, nil
}

// ResponseCollector reads the result pages of one lookup. Collect consumes
// it; the underlying connection is closed afterwards.
type ResponseCollector struct {
	conn      Conn
	pending   *wire.ClientResponse
	collected atomic.Bool
}

func appendRecords(dst []Record, packed []byte) ([]Record, error) {
	triples, err := wire.UnpackTriples(packed)
	if err != nil {
		return nil, newError(KindInvalidResponse, err)
	}
	for _, t := range triples {
		dst = append(dst, Record{E164: E164(t.E164), PNI: uuid.UUID(t.PNI), ACI: uuid.UUID(t.ACI)})
	}
	return dst, nil
}

// Collect reads pages until the service closes the session normally.
func (c *ResponseCollector) Collect(ctx context.Context) (*LookupResponse, error) {
	if !c.collected.CompareAndSwap(false, true) {
		return nil, newError(KindProtocol, errors.New("responses already collected"))
	}
	defer c.conn.Close()

	resp := &LookupResponse{}
	page := c.pending
	c.pending = nil
	for {
		if page != nil {
			records, err := appendRecords(resp.Records, page.E164PniAciTriples)
			if err != nil {
				return nil, err
			}
			resp.Records = records
			if page.DebugPermitsUsed != 0 {
				resp.DebugPermitsUsed = page.DebugPermitsUsed
			}
		}

		raw, err := c.conn.Receive(ctx)
		if err != nil {
			var closeErr *connect.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return resp, nil
			}
			return nil, fromSession(err)
		}
		page, err = wire.DecodeClientResponse(raw)
		if err != nil {
			return nil, newError(KindParse, err)
		}
		if len(page.Token) != 0 {
			return nil, newError(KindProtocol, errors.New("unexpected token in page"))
		}
	}
}

// Lookup is a started lookup: the token is available immediately and the
// results are handed to exactly one consumer.
type Lookup struct {
	Token     Token
	remaining *atomic.Pointer[ResponseCollector]
}

func NewLookup(token Token, collector *ResponseCollector) *Lookup {
	return &Lookup{Token: token, remaining: atomic.NewPointer(collector)}
}

// TakeRemaining returns the collector on the first call and nil afterwards,
// regardless of how many goroutines race for it.
func (l *Lookup) TakeRemaining() *ResponseCollector {
	return l.remaining.Swap(nil)
}
