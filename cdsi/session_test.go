package cdsi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-lookup/connect"
	"github.com/ruteri/attested-lookup/wire"
)

type scriptedFrame struct {
	frame []byte
	err   error
}

// scriptedConn replays a fixed sequence of received frames.
type scriptedConn struct {
	mu      sync.Mutex
	sent    [][]byte
	script  []scriptedFrame
	closed  int
	sendErr error
}

func (c *scriptedConn) Send(_ context.Context, plaintext []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, plaintext)
	return c.sendErr
}

func (c *scriptedConn) Receive(_ context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return nil, &connect.CloseError{Code: 1000}
	}
	next := c.script[0]
	c.script = c.script[1:]
	return next.frame, next.err
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func frame(resp *wire.ClientResponse) scriptedFrame {
	return scriptedFrame{frame: resp.Encode()}
}

func closed(code int, reason string) scriptedFrame {
	return scriptedFrame{err: &connect.CloseError{Code: code, Reason: reason}}
}

func TestSendAndCollect(t *testing.T) {
	pni := uuid.New()
	aci := uuid.New()
	conn := &scriptedConn{script: []scriptedFrame{
		frame(&wire.ClientResponse{Token: []byte("tok")}),
		frame(&wire.ClientResponse{E164PniAciTriples: wire.PackTriples([]wire.Triple{{E164: 18005550100, PNI: pni, ACI: aci}})}),
		frame(&wire.ClientResponse{E164PniAciTriples: wire.PackTriples([]wire.Triple{{E164: 18005550101}})}),
		frame(&wire.ClientResponse{DebugPermitsUsed: 2}),
	}}

	request := &LookupRequest{NewE164s: []E164{18005550100, 18005550101}, Token: []byte("old")}
	token, collector, err := Send(context.Background(), conn, request)
	require.NoError(t, err)
	assert.Equal(t, Token("tok"), token)

	require.Len(t, conn.sent, 2)
	sent, err := wire.DecodeClientRequest(conn.sent[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), sent.Token)
	numbers, err := wire.UnpackE164s(sent.NewE164s)
	require.NoError(t, err)
	assert.Equal(t, []uint64{18005550100, 18005550101}, numbers)
	ack, err := wire.DecodeClientRequest(conn.sent[1])
	require.NoError(t, err)
	assert.True(t, ack.TokenAck)

	resp, err := collector.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), resp.DebugPermitsUsed)
	assert.Equal(t, []Record{
		{E164: 18005550100, PNI: pni, ACI: aci},
		{E164: 18005550101, PNI: uuid.Nil, ACI: uuid.Nil},
	}, resp.Records)
	assert.Equal(t, 1, conn.closed)

	_, err = collector.Collect(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name    string
		request *LookupRequest
		script  []scriptedFrame
		sendErr error
		want    error
	}{
		{
			name:    "oversized token",
			request: &LookupRequest{Token: make([]byte, MaxTokenSize+1)},
			want:    ErrInvalidToken,
		},
		{
			name:   "no token in response",
			script: []scriptedFrame{frame(&wire.ClientResponse{DebugPermitsUsed: 1})},
			want:   ErrNoTokenInResponse,
		},
		{
			name:   "closed before token",
			script: []scriptedFrame{closed(1000, "")},
			want:   ErrNoTokenInResponse,
		},
		{
			name:   "malformed response",
			script: []scriptedFrame{{frame: []byte{0x0a, 0x05, 0x01}}},
			want:   ErrParse,
		},
		{
			name:   "invalid token close",
			script: []scriptedFrame{closed(CloseInvalidToken, "")},
			want:   ErrInvalidToken,
		},
		{
			name:   "server error close",
			script: []scriptedFrame{closed(1011, "internal")},
			want:   ErrServer,
		},
		{
			name:   "application close",
			script: []scriptedFrame{closed(4003, "busy")},
			want:   ErrServer,
		},
		{
			name:   "unexpected close code",
			script: []scriptedFrame{closed(1002, "")},
			want:   ErrProtocol,
		},
		{
			name:    "send failure",
			sendErr: errors.New("broken pipe"),
			want:    ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := tt.request
			if request == nil {
				request = &LookupRequest{NewE164s: []E164{1}}
			}
			conn := &scriptedConn{script: tt.script, sendErr: tt.sendErr}
			token, collector, err := Send(context.Background(), conn, request)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, token)
			assert.Nil(t, collector)
		})
	}
}

func TestRateLimitClose(t *testing.T) {
	conn := &scriptedConn{script: []scriptedFrame{closed(CloseRateLimited, `{"retry_after":42}`)}}
	_, _, err := Send(context.Background(), conn, &LookupRequest{})
	require.ErrorIs(t, err, ErrRateLimited)

	var lookupErr *LookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, 42*time.Second, lookupErr.RetryAfter)

	retry, after := IsRetryable(err)
	assert.True(t, retry)
	assert.Equal(t, 42*time.Second, after)

	conn = &scriptedConn{script: []scriptedFrame{closed(CloseRateLimited, "soon")}}
	_, _, err = Send(context.Background(), conn, &LookupRequest{})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestCollectErrors(t *testing.T) {
	t.Run("truncated triples", func(t *testing.T) {
		conn := &scriptedConn{script: []scriptedFrame{
			frame(&wire.ClientResponse{Token: []byte("tok")}),
			frame(&wire.ClientResponse{E164PniAciTriples: make([]byte, wire.TripleSize-1)}),
		}}
		_, collector, err := Send(context.Background(), conn, &LookupRequest{})
		require.NoError(t, err)
		_, err = collector.Collect(context.Background())
		assert.ErrorIs(t, err, ErrInvalidResponse)
		assert.Equal(t, 1, conn.closed)
	})

	t.Run("rate limited mid stream", func(t *testing.T) {
		conn := &scriptedConn{script: []scriptedFrame{
			frame(&wire.ClientResponse{Token: []byte("tok")}),
			closed(CloseRateLimited, `{"retry_after":1}`),
		}}
		_, collector, err := Send(context.Background(), conn, &LookupRequest{})
		require.NoError(t, err)
		_, err = collector.Collect(context.Background())
		assert.ErrorIs(t, err, ErrRateLimited)
	})
}

func TestTakeRemainingExactlyOnce(t *testing.T) {
	collector := &ResponseCollector{conn: &scriptedConn{}}

	lookup := NewLookup(Token("tok"), collector)
	assert.Same(t, collector, lookup.TakeRemaining())
	assert.Nil(t, lookup.TakeRemaining())

	lookup = NewLookup(Token("tok"), collector)
	const takers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	taken := 0
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lookup.TakeRemaining() != nil {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, taken)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err   error
		retry bool
	}{
		{newError(KindConnectTransport, errors.New("reset")), true},
		{&LookupError{Kind: KindRateLimited, RetryAfter: time.Second}, true},
		{newError(KindAttestationFailed, errors.New("bad quote")), false},
		{newError(KindInvalidToken, nil), false},
		{newError(KindInvalidProxyConfig, nil), false},
		{&LookupError{Kind: KindServer, Reason: "x"}, false},
		{newError(KindParse, nil), false},
		{context.DeadlineExceeded, true},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		retry, _ := IsRetryable(tt.err)
		assert.Equal(t, tt.retry, retry, tt.err.Error())
	}
}

func TestParseE164(t *testing.T) {
	n, err := ParseE164("+18005550100")
	require.NoError(t, err)
	assert.Equal(t, E164(18005550100), n)
	assert.Equal(t, "+18005550100", n.String())

	for _, bad := range []string{"", "+", "18005550100", "+0123", "+1234567890123456", "+1-800"} {
		_, err := ParseE164(bad)
		assert.Error(t, err, bad)
	}
}

func TestRequestBuilder(t *testing.T) {
	b := NewRequestBuilder()
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(n E164) {
			defer wg.Done()
			b.AddNewE164(n)
		}(E164(i))
	}
	wg.Wait()
	b.AddPrevE164(100)
	b.SetToken([]byte("t"))
	b.SetReturnAcisWithoutUaks(true)
	aci := uuid.New()
	b.AddAciUak(aci, [16]byte{1})

	req := b.Build()
	assert.Len(t, req.NewE164s, 10)
	assert.Equal(t, []E164{100}, req.PrevE164s)
	assert.Equal(t, []byte("t"), req.Token)
	assert.True(t, req.ReturnAcisWithoutUaks)
	assert.Equal(t, []AciUak{{ACI: aci, UAK: [16]byte{1}}}, req.AciUakPairs)

	req.NewE164s[0] = 999
	assert.NotContains(t, b.Build().NewE164s, E164(999))
}

func TestCell(t *testing.T) {
	c := NewCell(1)
	assert.Equal(t, 1, c.Get())
	c.Set(2)
	assert.Equal(t, 2, c.Swap(3))
	assert.Equal(t, 3, c.Get())
}
