package policy

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/attested-lookup/interfaces"
)

var ErrInvalidDocument = errors.New("invalid policy document")

// Document is the serialized policy. JSON documents parse as well, being
// valid YAML.
//
//	version: 1
//	roots: 3f2a...   # optional content id of the trusted root bundle
//	default: [INTEL-SA-00615]
//	identities:
//	  6d4b...: [INTEL-SA-00334, INTEL-SA-00615]
type Document struct {
	Version    int                 `yaml:"version" json:"version"`
	Roots      string              `yaml:"roots,omitempty" json:"roots,omitempty"`
	Default    []string            `yaml:"default,omitempty" json:"default,omitempty"`
	Identities map[string][]string `yaml:"identities" json:"identities"`

	policy Static
	common interfaces.AdvisorySet
}

func ParseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidDocument, doc.Version)
	}
	if doc.Roots != "" {
		if _, err := interfaces.NewContentIDFromHex(doc.Roots); err != nil {
			return nil, fmt.Errorf("%w: roots: %w", ErrInvalidDocument, err)
		}
	}

	policy, err := NewStatic(doc.Identities)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	doc.policy = policy

	doc.common = interfaces.NewAdvisorySet()
	for _, id := range doc.Default {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty advisory id", ErrInvalidDocument)
		}
		doc.common[interfaces.SoftwareAdvisory(id)] = struct{}{}
	}
	return doc, nil
}

// AdvisoriesFor returns the default advisories plus those listed for identity.
func (d *Document) AdvisoriesFor(identity interfaces.EnclaveIdentity) interfaces.AdvisorySet {
	out := interfaces.NewAdvisorySet()
	for id := range d.common {
		out[id] = struct{}{}
	}
	for id := range d.policy[identity] {
		out[id] = struct{}{}
	}
	return out
}

// RootsID is the content id of the root bundle the document pins, if any.
func (d *Document) RootsID() (interfaces.ContentID, bool) {
	if d.Roots == "" {
		return interfaces.ContentID{}, false
	}
	id, _ := interfaces.NewContentIDFromHex(d.Roots)
	return id, true
}
