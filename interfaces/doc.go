// Package interfaces defines the types and contracts shared between the
// attestation, handshake, routing and lookup packages.
//
// # Identity and policy
//
// EnclaveIdentity is the 32-byte measurement (MRENCLAVE) a client expects the
// remote enclave to run. SoftwareAdvisory names a known, possibly outdated
// platform component that a policy may still accept. AdvisoryPolicy is the
// injected oracle consulted during verification:
//
//	type AdvisoryPolicy interface {
//	    AdvisoriesFor(identity EnclaveIdentity) AdvisorySet
//	}
//
// # Storage Interfaces
//
// StorageBackend provides content-addressed storage for policy documents and
// trusted root bundles across multiple backend types (file, S3, IPFS, GitHub,
// Vault). StorageBackendFactory creates backends from URI strings and builds
// multi-backend configurations for redundancy.
package interfaces
