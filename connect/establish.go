package connect

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruteri/attested-lookup/common"
	"github.com/ruteri/attested-lookup/enclave"
	"github.com/ruteri/attested-lookup/route"
)

const DefaultAttemptTimeout = 30 * time.Second

// Handshaker turns the enclave's handshake-start frame into a verified
// handshake. Any error it returns is an attestation failure.
type Handshaker func(ctx context.Context, start []byte) (*enclave.Handshake, error)

// Auth are the basic auth credentials presented on the upgrade request.
type Auth struct {
	Username string
	Password string
}

// Resources are what a connect call needs besides the routes.
type Resources struct {
	Auth           *Auth
	AttemptTimeout time.Duration
	// RootCAs overrides the system roots for the TLS layer.
	RootCAs *x509.CertPool
	// Resolver replaces the system resolver when set.
	Resolver *route.Resolver
	// NetworkChange aborts the connect call when it fires.
	NetworkChange <-chan struct{}
	Log           *slog.Logger
}

type attemptResult struct {
	index int
	conn  *Connection
	err   error
}

// Connect races all routes and returns the highest priority attested
// connection. When every route fails, the error of the first route is
// returned.
func Connect(ctx context.Context, routes []route.Route, res Resources, handshaker Handshaker) (*Connection, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	if res.AttemptTimeout == 0 {
		res.AttemptTimeout = DefaultAttemptTimeout
	}
	if res.Log == nil {
		res.Log = common.DiscardLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(routes))
	for i, r := range routes {
		go func() {
			attemptCtx, attemptCancel := context.WithTimeout(ctx, res.AttemptTimeout)
			defer attemptCancel()

			conn, err := attempt(attemptCtx, r, res, handshaker)
			results <- attemptResult{index: i, conn: conn, err: err}
		}()
	}

	outcomes := make([]*attemptResult, len(routes))
	pending := len(routes)
	next := 0

	// abandon closes connections from attempts that finish after a decision.
	abandon := func() {
		cancel()
		for _, o := range outcomes {
			if o != nil && o.conn != nil {
				_ = o.conn.Close()
			}
		}
		go func(remaining int) {
			for ; remaining > 0; remaining-- {
				if r := <-results; r.conn != nil {
					_ = r.conn.Close()
				}
			}
		}(pending)
	}

	for pending > 0 {
		select {
		case r := <-results:
			pending--
			outcomes[r.index] = &r
			if r.err != nil {
				res.Log.Debug("route attempt failed", "route", routes[r.index].String(), "err", r.err)
			}

			for next < len(routes) && outcomes[next] != nil && outcomes[next].err != nil {
				next++
			}
			if next == len(routes) {
				return nil, outcomes[0].err
			}
			if winner := outcomes[next]; winner != nil {
				outcomes[next] = nil
				abandon()
				res.Log.Debug("route attempt won", "route", routes[next].String())
				return winner.conn, nil
			}

		case <-res.NetworkChange:
			abandon()
			return nil, ErrNetworkChanged

		case <-ctx.Done():
			abandon()
			return nil, &TransportError{Route: routes[0], Err: ctx.Err()}
		}
	}
	// unreachable: the loop returns once all attempts are in
	return nil, outcomes[0].err
}

func newDialer(r route.Route, res Resources) *websocket.Dialer {
	dialer := &websocket.Dialer{
		HandshakeTimeout: res.AttemptTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: r.MinTLS,
			ServerName: r.ServerName(),
			RootCAs:    res.RootCAs,
		},
	}
	if r.Proxy != nil {
		dialer.Proxy = http.ProxyURL(r.Proxy.URL())
	}
	if res.Resolver != nil {
		dialer.NetDialContext = res.Resolver.DialContext
	}
	return dialer
}

func requestHeaders(r route.Route, auth *Auth) http.Header {
	headers := r.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if r.Fronting != nil {
		headers.Set("Host", r.Fronting.HTTPHost)
	}
	if auth != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		headers.Set("Authorization", "Basic "+creds)
	}
	return headers
}

func retryAfter(resp *http.Response) time.Duration {
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(resp.Header.Get("Retry-After")); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// attempt dials one route and runs the attested handshake over it. Any
// partially built session is discarded on failure.
func attempt(ctx context.Context, r route.Route, res Resources, handshaker Handshaker) (*Connection, error) {
	ws, resp, err := newDialer(r, res).DialContext(ctx, r.URL(), requestHeaders(r, res.Auth))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, &TransportError{Route: r, RateLimited: true, RetryAfter: retryAfter(resp), Err: err}
		}
		if resp != nil {
			err = fmt.Errorf("%w: upgrade refused with status %d", err, resp.StatusCode)
		}
		return nil, &TransportError{Route: r, Err: contextErr(ctx, err)}
	}

	if name := r.Endpoint.ConfirmationHeader; name != "" && resp.Header.Get(name) == "" {
		ws.Close()
		return nil, &TransportError{Route: r, Err: fmt.Errorf("upgrade response lacks confirmation header %q", name)}
	}

	conn := &Connection{ws: ws, route: r}
	done := withDeadline(ctx, ws.SetReadDeadline)
	typ, start, err := ws.ReadMessage()
	done()
	if err == nil && typ != websocket.BinaryMessage {
		err = errors.New("handshake start is not a binary frame")
	}
	if err != nil {
		ws.Close()
		return nil, &TransportError{Route: r, Err: contextErr(ctx, translateCloseError(err))}
	}

	handshake, err := handshaker(ctx, start)
	if err != nil {
		ws.Close()
		return nil, &AttestationFailedError{Route: r, Err: err}
	}

	transport, err := handshake.Transport()
	if err != nil {
		ws.Close()
		return nil, &AttestationFailedError{Route: r, Err: err}
	}
	conn.handshake = handshake
	conn.transport = transport

	done = withDeadline(ctx, ws.SetWriteDeadline)
	err = ws.WriteMessage(websocket.BinaryMessage, handshake.Message())
	done()
	if err != nil {
		ws.Close()
		return nil, &TransportError{Route: r, Err: contextErr(ctx, err)}
	}
	return conn, nil
}
