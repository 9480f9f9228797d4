// Package policy provides advisory policies for attestation verification.
//
// A policy names, per enclave identity, the security advisories a client
// accepts when the remote platform is not fully up to date. Static holds
// them in memory; Document is the on-disk form, stored content-addressed
// through the storage package and swapped atomically by Pinned.
package policy
