package flags

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-lookup/route"
)

func TestLoadEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: cdsi.example.org
port: 8443
path: /v1/discovery
front_domains: [cdn.example.net, cdn.example.com]
confirmation_header: X-Confirm
`), 0o600))

	endpoint, err := LoadEndpoint(path)
	require.NoError(t, err)
	assert.Equal(t, route.Endpoint{
		Host:               "cdsi.example.org",
		Port:               8443,
		Path:               "/v1/discovery",
		FrontDomains:       []string{"cdn.example.net", "cdn.example.com"},
		ConfirmationHeader: "X-Confirm",
	}, endpoint)

	require.NoError(t, os.WriteFile(path, []byte("host: [unterminated"), 0o600))
	_, err = LoadEndpoint(path)
	assert.Error(t, err)

	_, err = LoadEndpoint(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseMinTLS(t *testing.T) {
	v, err := parseMinTLS("1.2")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = parseMinTLS("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = parseMinTLS("1.0")
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookup.env")
	require.NoError(t, os.WriteFile(path, []byte("LOOKUP_TEST_DOTENV=loaded\n"), 0o600))

	t.Setenv(EnvFileVariable, path)
	t.Setenv("LOOKUP_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("LOOKUP_TEST_DOTENV"))
	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "loaded", os.Getenv("LOOKUP_TEST_DOTENV"))

	t.Setenv(EnvFileVariable, filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, LoadDotEnv())
}
