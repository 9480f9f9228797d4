package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/attested-lookup/attest"
	"github.com/ruteri/attested-lookup/enclavetest"
	"github.com/ruteri/attested-lookup/interfaces"
	"github.com/ruteri/attested-lookup/policy"
	"github.com/ruteri/attested-lookup/storage"
)

var identity = enclavetest.DefaultIdentity

func TestStatic(t *testing.T) {
	p, err := policy.NewStatic(map[string][]string{
		identity.String(): {"INTEL-SA-00334", "INTEL-SA-00615"},
	})
	require.NoError(t, err)

	assert.True(t, p.AdvisoriesFor(identity).Contains("INTEL-SA-00615"))
	assert.Empty(t, p.AdvisoriesFor(interfaces.EnclaveIdentity{1}))

	_, err = policy.NewStatic(map[string][]string{"abcd": nil})
	assert.ErrorIs(t, err, interfaces.ErrInvalidIdentityLength)
}

func TestParseDocument(t *testing.T) {
	yamlDoc := []byte(`
version: 1
default: [INTEL-SA-00615]
identities:
  "` + identity.String() + `": [INTEL-SA-00334]
`)
	doc, err := policy.ParseDocument(yamlDoc)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.SoftwareAdvisory{"INTEL-SA-00334", "INTEL-SA-00615"}, doc.AdvisoriesFor(identity).Sorted())
	assert.Equal(t, []interfaces.SoftwareAdvisory{"INTEL-SA-00615"}, doc.AdvisoriesFor(interfaces.EnclaveIdentity{1}).Sorted())
	_, pinned := doc.RootsID()
	assert.False(t, pinned)

	jsonDoc := []byte(`{"version":1,"roots":"` + interfaces.ComputeID([]byte("roots")).String() + `","identities":{}}`)
	doc, err = policy.ParseDocument(jsonDoc)
	require.NoError(t, err)
	rootsID, pinned := doc.RootsID()
	assert.True(t, pinned)
	assert.Equal(t, interfaces.ComputeID([]byte("roots")), rootsID)

	for name, bad := range map[string]string{
		"version":  `{"version":2}`,
		"identity": `{"version":1,"identities":{"zz":[]}}`,
		"roots":    `{"version":1,"roots":"abc"}`,
		"default":  `{"version":1,"default":[" "]}`,
		"syntax":   `{"version":`,
	} {
		_, err := policy.ParseDocument([]byte(bad))
		assert.ErrorIs(t, err, policy.ErrInvalidDocument, name)
	}
}

func TestPinned(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)

	p := policy.NewPinned(backend, nil)
	assert.Nil(t, p.AdvisoriesFor(identity))

	id, err := backend.Store(context.Background(), []byte(`{"version":1,"identities":{"`+identity.String()+`":["INTEL-SA-00657"]}}`), interfaces.PolicyDocumentType)
	require.NoError(t, err)

	_, err = p.Load(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.AdvisoriesFor(identity).Contains("INTEL-SA-00657"))

	// a failed load keeps the installed document
	_, err = p.Load(context.Background(), interfaces.ComputeID([]byte("missing")))
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
	assert.True(t, p.AdvisoriesFor(identity).Contains("INTEL-SA-00657"))
}

func TestPinnedPolicyAcceptsOutOfDatePlatform(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{
		TCBStatus:  attest.TCBOutOfDate,
		Advisories: []interfaces.SoftwareAdvisory{"INTEL-SA-00657"},
	})

	backend, err := storage.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	p := policy.NewPinned(backend, nil)

	_, err = attest.Verify(f.Evidence, f.Endorsement, f.Identity[:], f.Now, p, attest.Options{Roots: f.Roots})
	require.ErrorIs(t, err, attest.ErrFreshness)

	id, err := backend.Store(context.Background(), []byte(`{"version":1,"identities":{"`+f.Identity.String()+`":["INTEL-SA-00657"]}}`), interfaces.PolicyDocumentType)
	require.NoError(t, err)
	_, err = p.Load(context.Background(), id)
	require.NoError(t, err)

	report, err := attest.Verify(f.Evidence, f.Endorsement, f.Identity[:], f.Now, p, attest.Options{Roots: f.Roots})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.SoftwareAdvisory{"INTEL-SA-00657"}, report.Advisories)
}

func TestLoadRoots(t *testing.T) {
	f := enclavetest.MustNew(enclavetest.Options{})
	backend, err := storage.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)

	id, err := backend.Store(context.Background(), f.Root.PEM, interfaces.RootBundleType)
	require.NoError(t, err)

	roots, err := policy.LoadRoots(context.Background(), backend, id)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.True(t, roots[0].Equal(f.Root.Cert))

	_, err = attest.Verify(f.Evidence, f.Endorsement, f.Identity[:], f.Now, nil, attest.Options{Roots: roots})
	require.NoError(t, err)

	badID, err := backend.Store(context.Background(), []byte("not pem"), interfaces.RootBundleType)
	require.NoError(t, err)
	_, err = policy.LoadRoots(context.Background(), backend, badID)
	assert.Error(t, err)
}
