package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/ruteri/attested-lookup/common"
)

var ErrNoAddresses = errors.New("no addresses found")

// Resolver looks up A and AAAA records against configured nameservers and
// falls back to the system resolver when none answer.
type Resolver struct {
	Nameservers []string
	Timeout     time.Duration
	Log         *slog.Logger

	client   *dns.Client
	fallback *net.Resolver
}

func NewResolver(nameservers []string, timeout time.Duration, log *slog.Logger) *Resolver {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Resolver{
		Nameservers: nameservers,
		Timeout:     timeout,
		Log:         log,
		client:      &dns.Client{Timeout: timeout},
		fallback:    net.DefaultResolver,
	}
}

// LookupHost returns the addresses of host. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	for _, ns := range r.Nameservers {
		addrs, err := r.exchange(ctx, ns, host)
		if err != nil {
			r.Log.Debug("nameserver lookup failed", "nameserver", ns, "host", host, "err", err)
			continue
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}

	addrs, err := r.fallback.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: %w", host, ErrNoAddresses)
	}
	return addrs, nil
}

func (r *Resolver) exchange(ctx context.Context, nameserver, host string) ([]netip.Addr, error) {
	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, nameserver)
		if err != nil {
			return nil, err
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("%s lookup for %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[in.Rcode])
		}

		for _, answer := range in.Answer {
			switch rr := answer.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}
	return addrs, nil
}

// DialContext resolves the host of addr and dials the returned addresses in
// order until one connects.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: r.Timeout, KeepAlive: 30 * time.Second}
	var errs []error
	for _, a := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
