package route

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidProxyConfig = errors.New("invalid proxy configuration")

// ProxyMode decides whether the proxy replaces or backs up the direct route.
type ProxyMode int

const (
	// ProxyModeOnly never connects directly.
	ProxyModeOnly ProxyMode = iota
	// ProxyModeFallback tries the direct route first.
	ProxyModeFallback
)

func (m ProxyMode) String() string {
	switch m {
	case ProxyModeOnly:
		return "only"
	case ProxyModeFallback:
		return "fallback"
	}
	return "ProxyMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseProxyMode accepts "only" and "fallback".
func ParseProxyMode(s string) (ProxyMode, error) {
	switch strings.ToLower(s) {
	case "", "only":
		return ProxyModeOnly, nil
	case "fallback":
		return ProxyModeFallback, nil
	}
	return 0, fmt.Errorf("%w: unknown proxy mode %q", ErrInvalidProxyConfig, s)
}

// ProxyConfig describes an outbound proxy.
type ProxyConfig struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	Mode     ProxyMode
}

var defaultProxyPorts = map[string]int{
	"http":   80,
	"https":  443,
	"socks5": 1080,
}

// ParseProxyURL parses scheme://[user[:password]@]host[:port]. The result
// is validated.
func ParseProxyURL(raw string, mode ProxyMode) (*ProxyConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProxyConfig, err)
	}

	cfg := &ProxyConfig{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Mode:   mode,
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		if cfg.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("%w: port %q", ErrInvalidProxyConfig, p)
		}
	} else {
		cfg.Port = defaultProxyPorts[cfg.Scheme]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors without touching the network.
func (c *ProxyConfig) Validate() error {
	if _, ok := defaultProxyPorts[c.Scheme]; !ok {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyConfig, c.Scheme)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidProxyConfig)
	}
	if strings.ContainsAny(c.Host, "/@ ") {
		return fmt.Errorf("%w: malformed host %q", ErrInvalidProxyConfig, c.Host)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidProxyConfig, c.Port)
	}
	if c.Password != "" && c.Username == "" {
		return fmt.Errorf("%w: password without username", ErrInvalidProxyConfig)
	}
	if c.Mode != ProxyModeOnly && c.Mode != ProxyModeFallback {
		return fmt.Errorf("%w: %s", ErrInvalidProxyConfig, c.Mode)
	}
	return nil
}

// URL returns the proxy as a URL, including credentials.
func (c *ProxyConfig) URL() *url.URL {
	u := &url.URL{Scheme: c.Scheme, Host: net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}
	return u
}

// String omits credentials.
func (c *ProxyConfig) String() string {
	return c.Scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
