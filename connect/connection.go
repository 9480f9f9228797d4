package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruteri/attested-lookup/enclave"
	"github.com/ruteri/attested-lookup/route"
)

// Connection is one attested session. Send and Receive may be called from
// different goroutines, but each from at most one at a time.
type Connection struct {
	ws        *websocket.Conn
	transport *enclave.Transport
	handshake *enclave.Handshake
	route     route.Route

	closeOnce sync.Once
}

func (c *Connection) Route() route.Route { return c.route }

func (c *Connection) Handshake() *enclave.Handshake { return c.handshake }

// withDeadline applies ctx to the next read or write on the socket. The
// returned function must be called once the operation completes.
func withDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	})
	return func() {
		stop()
		_ = set(time.Time{})
	}
}

func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// Send encrypts plaintext and writes it as one binary frame.
func (c *Connection) Send(ctx context.Context, plaintext []byte) error {
	frame, err := c.transport.Seal(plaintext)
	if err != nil {
		return err
	}

	done := withDeadline(ctx, c.ws.SetWriteDeadline)
	defer done()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return contextErr(ctx, translateCloseError(err))
	}
	return nil
}

// Receive reads and decrypts the next frame. A close frame from the service
// is returned as *CloseError; a normal close has code 1000.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	done := withDeadline(ctx, c.ws.SetReadDeadline)
	defer done()

	for {
		typ, frame, err := c.ws.ReadMessage()
		if err != nil {
			return nil, contextErr(ctx, translateCloseError(err))
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return c.transport.Open(frame)
	}
}

// Close sends a normal close frame and releases the socket. It is safe to
// call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func translateCloseError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrClosed
	}
	return err
}
