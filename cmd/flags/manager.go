package flags

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ruteri/attested-lookup/cdsi"
	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/interfaces"
	"github.com/ruteri/attested-lookup/policy"
	"github.com/ruteri/attested-lookup/route"
	"github.com/ruteri/attested-lookup/storage"
)

var EndpointFileFlag = &cli.PathFlag{
	Name:    "endpoint-file",
	EnvVars: []string{"LOOKUP_ENDPOINT_FILE"},
	Usage:   "YAML file describing the enclave endpoint (host, port, path, front_domains, confirmation_header)",
}
var EndpointHostFlag = &cli.StringFlag{
	Name:    "endpoint-host",
	EnvVars: []string{"LOOKUP_ENDPOINT_HOST"},
	Usage:   "enclave host, used when no endpoint file is given",
}
var EndpointPathFlag = &cli.StringFlag{
	Name:  "endpoint-path",
	Value: "/v1/discovery",
	Usage: "websocket path on the enclave host",
}
var IdentityFlag = &cli.StringFlag{
	Name:     "enclave-identity",
	EnvVars:  []string{"LOOKUP_ENCLAVE_IDENTITY"},
	Required: true,
	Usage:    "expected enclave measurement, 64-char hex string",
}
var StorageFlag = &cli.StringSliceFlag{
	Name:    "storage",
	EnvVars: []string{"LOOKUP_STORAGE"},
	Usage:   "storage backend URI holding policy documents and root bundles (file://, s3://, ipfs://, github://, vault://)",
}
var PolicyIDFlag = &cli.StringFlag{
	Name:    "policy-id",
	EnvVars: []string{"LOOKUP_POLICY_ID"},
	Usage:   "content id of the advisory policy document; no advisories are accepted without one",
}
var RootsIDFlag = &cli.StringFlag{
	Name:    "roots-id",
	EnvVars: []string{"LOOKUP_ROOTS_ID"},
	Usage:   "content id of the trusted attestation root bundle, overrides the policy document",
}
var RootsFileFlag = &cli.PathFlag{
	Name:  "roots-file",
	Usage: "local PEM bundle of trusted attestation roots",
}
var ProxyFlag = &cli.StringFlag{
	Name:    "proxy",
	EnvVars: []string{"LOOKUP_PROXY"},
	Usage:   "outbound proxy URL (http, https, socks5)",
}
var ProxyModeFlag = &cli.StringFlag{
	Name:  "proxy-mode",
	Value: "only",
	Usage: "'only' or 'fallback' (try the direct route first)",
}
var FrontingFlag = &cli.BoolFlag{
	Name:  "domain-fronting",
	Usage: "connect through the endpoint's front domains",
}
var MinTLSFlag = &cli.StringFlag{
	Name:  "min-tls",
	Value: "1.2",
	Usage: "minimum TLS version: 1.2 or 1.3",
}
var NameserverFlag = &cli.StringSliceFlag{
	Name:  "nameserver",
	Usage: "resolve the endpoint through this DNS server (host:port, repeatable)",
}
var AttemptTimeoutFlag = &cli.DurationFlag{
	Name:  "attempt-timeout",
	Value: 30 * time.Second,
	Usage: "timeout of a single connection attempt",
}
var UserAgentFlag = &cli.StringFlag{
	Name:  "user-agent",
	Value: "attested-lookup",
	Usage: "User-Agent header sent to the service",
}

var ManagerFlags = []cli.Flag{
	EndpointFileFlag,
	EndpointHostFlag,
	EndpointPathFlag,
	IdentityFlag,
	StorageFlag,
	PolicyIDFlag,
	RootsIDFlag,
	RootsFileFlag,
	ProxyFlag,
	ProxyModeFlag,
	FrontingFlag,
	MinTLSFlag,
	NameserverFlag,
	AttemptTimeoutFlag,
	UserAgentFlag,
}

// LoadEndpoint reads an endpoint description.
//
//	host: cdsi.example.org
//	port: 443
//	path: /v1/discovery
//	front_domains: [cdn.example.net]
func LoadEndpoint(path string) (route.Endpoint, error) {
	var endpoint route.Endpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return endpoint, err
	}
	if err := yaml.Unmarshal(data, &endpoint); err != nil {
		return endpoint, fmt.Errorf("parsing endpoint file %s: %w", path, err)
	}
	return endpoint, nil
}

func parseMinTLS(s string) (uint16, error) {
	switch s {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported minimum TLS version %q", s)
}

// trustConfig resolves the advisory policy and attestation roots.
func trustConfig(cCtx *cli.Context, log *slog.Logger) (interfaces.AdvisoryPolicy, []*x509.Certificate, error) {
	var backend interfaces.StorageBackend
	if uris := cCtx.StringSlice(StorageFlag.Name); len(uris) > 0 {
		locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
		for _, uri := range uris {
			locations = append(locations, interfaces.StorageBackendLocation(uri))
		}
		var err error
		backend, err = storage.NewStorageBackendFactory(log).CreateMultiBackend(locations)
		if err != nil {
			return nil, nil, err
		}
	}

	var (
		advisories interfaces.AdvisoryPolicy
		rootsID    *interfaces.ContentID
	)
	if raw := cCtx.String(PolicyIDFlag.Name); raw != "" {
		if backend == nil {
			return nil, nil, errors.New("--policy-id requires at least one --storage backend")
		}
		id, err := interfaces.NewContentIDFromHex(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid policy id: %w", err)
		}
		pinned := policy.NewPinned(backend, log)
		doc, err := pinned.Load(cCtx.Context, id)
		if err != nil {
			return nil, nil, err
		}
		if id, ok := doc.RootsID(); ok {
			rootsID = &id
		}
		advisories = pinned
	}
	if raw := cCtx.String(RootsIDFlag.Name); raw != "" {
		id, err := interfaces.NewContentIDFromHex(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid roots id: %w", err)
		}
		rootsID = &id
	}

	var roots []*x509.Certificate
	if path := cCtx.Path(RootsFileFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		chain, err := cryptoutils.ParsePEMChain(data)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		roots = append(roots, chain...)
	}
	if rootsID != nil {
		if backend == nil {
			return nil, nil, errors.New("a root bundle id requires at least one --storage backend")
		}
		bundle, err := policy.LoadRoots(cCtx.Context, backend, *rootsID)
		if err != nil {
			return nil, nil, err
		}
		roots = append(roots, bundle...)
	}
	if len(roots) == 0 {
		return nil, nil, errors.New("no attestation roots configured, use --roots-file or --roots-id")
	}
	return advisories, roots, nil
}

// SetupManager builds a connection manager from the command line.
func SetupManager(cCtx *cli.Context, log *slog.Logger) (*cdsi.ConnectionManager, error) {
	var endpoint route.Endpoint
	if path := cCtx.Path(EndpointFileFlag.Name); path != "" {
		var err error
		if endpoint, err = LoadEndpoint(path); err != nil {
			return nil, err
		}
	} else {
		endpoint = route.Endpoint{
			Host: cCtx.String(EndpointHostFlag.Name),
			Path: cCtx.String(EndpointPathFlag.Name),
		}
	}

	identity, err := interfaces.NewEnclaveIdentityFromHex(cCtx.String(IdentityFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid enclave identity: %w", err)
	}

	minTLS, err := parseMinTLS(cCtx.String(MinTLSFlag.Name))
	if err != nil {
		return nil, err
	}

	advisories, roots, err := trustConfig(cCtx, log)
	if err != nil {
		return nil, err
	}

	var resolver *route.Resolver
	if nameservers := cCtx.StringSlice(NameserverFlag.Name); len(nameservers) > 0 {
		resolver = route.NewResolver(nameservers, 5*time.Second, log)
	}

	manager := cdsi.NewConnectionManager(cdsi.ManagerConfig{
		Endpoint:        endpoint,
		Identity:        identity,
		Roots:           roots,
		Policy:          advisories,
		UserAgent:       cCtx.String(UserAgentFlag.Name),
		FrontingEnabled: cCtx.Bool(FrontingFlag.Name),
		MinTLS:          minTLS,
		AttemptTimeout:  cCtx.Duration(AttemptTimeoutFlag.Name),
		Resolver:        resolver,
		Log:             log,
	})

	if raw := cCtx.String(ProxyFlag.Name); raw != "" {
		mode, err := route.ParseProxyMode(cCtx.String(ProxyModeFlag.Name))
		if err != nil {
			return nil, err
		}
		proxy, err := route.ParseProxyURL(raw, mode)
		if err != nil {
			return nil, err
		}
		if err := manager.SetProxy(proxy); err != nil {
			return nil, err
		}
	}
	return manager, nil
}
