package policy

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/ruteri/attested-lookup/common"
	"github.com/ruteri/attested-lookup/cryptoutils"
	"github.com/ruteri/attested-lookup/interfaces"
)

// Pinned is an advisory policy loaded from storage by content id. Until the
// first successful Load it accepts no advisories.
type Pinned struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
	current *atomic.Pointer[Document]
}

func NewPinned(backend interfaces.StorageBackend, log *slog.Logger) *Pinned {
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Pinned{backend: backend, log: log, current: atomic.NewPointer[Document](nil)}
}

// Load fetches and installs the document with the given id. On error the
// previously installed document stays in effect.
func (p *Pinned) Load(ctx context.Context, id interfaces.ContentID) (*Document, error) {
	data, err := p.backend.Fetch(ctx, id, interfaces.PolicyDocumentType)
	if err != nil {
		return nil, fmt.Errorf("fetching policy %s: %w", id, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	p.current.Store(doc)
	p.log.Info("installed advisory policy", "id", id.String(), "identities", len(doc.Identities))
	return doc, nil
}

func (p *Pinned) AdvisoriesFor(identity interfaces.EnclaveIdentity) interfaces.AdvisorySet {
	doc := p.current.Load()
	if doc == nil {
		return nil
	}
	return doc.AdvisoriesFor(identity)
}

// LoadRoots fetches a PEM bundle of trusted attestation roots.
func LoadRoots(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID) ([]*x509.Certificate, error) {
	data, err := backend.Fetch(ctx, id, interfaces.RootBundleType)
	if err != nil {
		return nil, fmt.Errorf("fetching root bundle %s: %w", id, err)
	}
	chain, err := cryptoutils.ParsePEMChain(data)
	if err != nil {
		return nil, fmt.Errorf("root bundle %s: %w", id, err)
	}
	return chain, nil
}
