package route

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ruteri/attested-lookup/common"
)

const (
	// ClientIDHeader names the client software on every request.
	ClientIDHeader = "X-Lookup-Client-Id"
	// ConfirmationHeaderName tells the server which response header to echo
	// so the client can tell the service apart from a fronting CDN.
	ConfirmationHeaderName = "X-Lookup-Confirmation-Header"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Kind distinguishes direct and proxied routes.
type Kind int

const (
	Direct Kind = iota
	Proxied
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Proxied:
		return "proxied"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Endpoint is a websocket service reachable over TLS.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
	// FrontDomains are used as SNI when domain fronting is enabled.
	FrontDomains []string `yaml:"front_domains"`
	// ConfirmationHeader must be present in the upgrade response when set.
	ConfirmationHeader string `yaml:"confirmation_header"`
}

func (e Endpoint) port() int {
	if e.Port == 0 {
		return 443
	}
	return e.Port
}

func (e Endpoint) validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// Fronting carries the TLS server name and HTTP Host used when the
// connection is fronted by another domain.
type Fronting struct {
	SNI      string
	HTTPHost string
}

// Route is one transport plan.
type Route struct {
	Kind     Kind
	Endpoint Endpoint
	Headers  http.Header
	Fronting *Fronting
	MinTLS   uint16
	Proxy    *ProxyConfig
}

// URL is the websocket URL of the route. With fronting the URL names the
// front domain; the real host travels in the Host header.
func (r Route) URL() string {
	host := r.Endpoint.Host
	if r.Fronting != nil {
		host = r.Fronting.SNI
	}
	u := url.URL{
		Scheme: "wss",
		Host:   net.JoinHostPort(host, strconv.Itoa(r.Endpoint.port())),
		Path:   r.Endpoint.Path,
	}
	return u.String()
}

// ServerName is the TLS server name to present.
func (r Route) ServerName() string {
	if r.Fronting != nil {
		return r.Fronting.SNI
	}
	return r.Endpoint.Host
}

func (r Route) String() string {
	s := r.Kind.String() + " " + r.URL()
	if r.Proxy != nil {
		s += " via " + r.Proxy.String()
	}
	return s
}

// Build returns routes in priority order. An invalid proxy configuration is
// reported here, before any connection is attempted.
func Build(target Endpoint, proxy *ProxyConfig, frontingEnabled bool, minTLS uint16, userAgent string) ([]Route, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	if proxy != nil {
		if err := proxy.Validate(); err != nil {
			return nil, err
		}
	}
	switch minTLS {
	case 0:
		minTLS = tls.VersionTLS12
	case tls.VersionTLS12, tls.VersionTLS13:
	default:
		return nil, fmt.Errorf("%w: unsupported minimum tls version 0x%04x", ErrInvalidEndpoint, minTLS)
	}

	var fronting *Fronting
	if frontingEnabled && len(target.FrontDomains) > 0 {
		fronting = &Fronting{SNI: target.FrontDomains[0], HTTPHost: target.Host}
	}

	newRoute := func(kind Kind, p *ProxyConfig) Route {
		headers := http.Header{}
		headers.Set("User-Agent", userAgent)
		headers.Set(ClientIDHeader, common.PackageName+"/"+common.Version)
		if target.ConfirmationHeader != "" {
			headers.Set(ConfirmationHeaderName, target.ConfirmationHeader)
		}
		return Route{
			Kind:     kind,
			Endpoint: target,
			Headers:  headers,
			Fronting: fronting,
			MinTLS:   minTLS,
			Proxy:    p,
		}
	}

	switch {
	case proxy == nil:
		return []Route{newRoute(Direct, nil)}, nil
	case proxy.Mode == ProxyModeFallback:
		return []Route{newRoute(Direct, nil), newRoute(Proxied, proxy)}, nil
	default:
		return []Route{newRoute(Proxied, proxy)}, nil
	}
}
