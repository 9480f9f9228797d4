package policy

import (
	"fmt"

	"github.com/ruteri/attested-lookup/interfaces"
)

// Static is a fixed allow-list per identity.
type Static map[interfaces.EnclaveIdentity]interfaces.AdvisorySet

func (s Static) AdvisoriesFor(identity interfaces.EnclaveIdentity) interfaces.AdvisorySet {
	return s[identity]
}

// NewStatic builds a policy from hex encoded identities.
func NewStatic(entries map[string][]string) (Static, error) {
	s := make(Static, len(entries))
	for hexID, ids := range entries {
		identity, err := interfaces.NewEnclaveIdentityFromHex(hexID)
		if err != nil {
			return nil, fmt.Errorf("policy identity %q: %w", hexID, err)
		}
		advisories := make([]interfaces.SoftwareAdvisory, len(ids))
		for i, id := range ids {
			advisories[i] = interfaces.SoftwareAdvisory(id)
		}
		s[identity] = interfaces.NewAdvisorySet(advisories...)
	}
	return s, nil
}
