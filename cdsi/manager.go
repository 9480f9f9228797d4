package cdsi

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/attested-lookup/attest"
	"github.com/ruteri/attested-lookup/common"
	"github.com/ruteri/attested-lookup/connect"
	"github.com/ruteri/attested-lookup/enclave"
	"github.com/ruteri/attested-lookup/interfaces"
	"github.com/ruteri/attested-lookup/route"
)

// ManagerConfig holds the settings of a ConnectionManager that do not change
// over its lifetime.
type ManagerConfig struct {
	Endpoint route.Endpoint
	Identity interfaces.EnclaveIdentity
	// Roots are the trusted attestation roots.
	Roots  []*x509.Certificate
	Policy interfaces.AdvisoryPolicy

	UserAgent       string
	FrontingEnabled bool
	MinTLS          uint16
	AttemptTimeout  time.Duration
	// RootCAs overrides the system TLS roots.
	RootCAs  *x509.CertPool
	Resolver *route.Resolver
	// Clock supplies the verification time. Defaults to time.Now.
	Clock func() time.Time
	Log   *slog.Logger
}

// ConnectionManager opens lookup sessions. Its proxy and endpoint settings
// may be changed concurrently with running lookups; a lookup uses the values
// current when it starts.
type ConnectionManager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	endpoint *Cell[route.Endpoint]
	proxy    *Cell[*route.ProxyConfig]
	notifier *connect.NetworkChangeNotifier
}

func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = common.DiscardLogger()
	}
	return &ConnectionManager{
		cfg:      cfg,
		log:      log,
		endpoint: NewCell(cfg.Endpoint),
		proxy:    NewCell[*route.ProxyConfig](nil),
		notifier: connect.NewNetworkChangeNotifier(),
	}
}

// SetProxy routes later lookups through proxy. An invalid proxy is still
// stored so that lookups fail instead of silently connecting directly.
func (m *ConnectionManager) SetProxy(proxy *route.ProxyConfig) error {
	m.proxy.Set(proxy)
	if proxy == nil {
		return nil
	}
	if err := proxy.Validate(); err != nil {
		return newError(KindInvalidProxyConfig, err)
	}
	return nil
}

func (m *ConnectionManager) ClearProxy() {
	m.proxy.Set(nil)
}

func (m *ConnectionManager) SetEndpoint(endpoint route.Endpoint) {
	m.endpoint.Set(endpoint)
}

// NetworkChanged aborts every connect in progress.
func (m *ConnectionManager) NetworkChanged() {
	m.log.Info("network change, aborting pending connects")
	m.notifier.NetworkChanged()
}

func (m *ConnectionManager) handshaker(ctx context.Context, start []byte) (*enclave.Handshake, error) {
	return enclave.NewCDS2Handshake(m.cfg.Identity.Bytes(), start, m.cfg.Clock(), m.cfg.Policy, attest.Options{Roots: m.cfg.Roots})
}

// NewLookup connects to the enclave and sends request. The returned lookup
// carries the continuation token; results are read through TakeRemaining.
func (m *ConnectionManager) NewLookup(ctx context.Context, auth connect.Auth, request *LookupRequest) (*Lookup, error) {
	endpoint := m.endpoint.Get()
	proxy := m.proxy.Get()

	routes, err := route.Build(endpoint, proxy, m.cfg.FrontingEnabled, m.cfg.MinTLS, m.cfg.UserAgent)
	if err != nil {
		if errors.Is(err, route.ErrInvalidProxyConfig) {
			return nil, newError(KindInvalidProxyConfig, err)
		}
		return nil, newError(KindConnectTransport, err)
	}

	changes, unsubscribe := m.notifier.Subscribe()
	defer unsubscribe()

	conn, err := connect.Connect(ctx, routes, connect.Resources{
		Auth:           &auth,
		AttemptTimeout: m.cfg.AttemptTimeout,
		RootCAs:        m.cfg.RootCAs,
		Resolver:       m.cfg.Resolver,
		NetworkChange:  changes,
		Log:            m.log,
	}, m.handshaker)
	if err != nil {
		m.log.Warn("could not connect to lookup enclave", "err", err)
		return nil, fromConnect(err)
	}

	advisories := conn.Handshake().Advisories()
	if len(advisories) > 0 {
		m.log.Info("accepted enclave with advisories", "advisories", advisories, "route", conn.Route().String())
	}

	token, collector, err := Send(ctx, conn, request)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	m.log.Debug("lookup started", "route", conn.Route().String(), "tokenSize", len(token))
	return NewLookup(token, collector), nil
}
