// Package attest verifies remote attestation evidence from SGX and TDX
// enclaves.
//
// Evidence is a DCAP quote followed by a length-prefixed claims trailer
// whose SHA-256 occupies the first half of REPORTDATA. Endorsement is the
// JSON collateral: signed TCB info, its issuer chain and optional CRLs.
//
// Verify runs its checks in a fixed order and reports the first failure:
// parse, then signatures, then validity at the supplied time and TCB level,
// then the enclave identity. An expected identity of the wrong length is
// rejected before the evidence is looked at.
package attest
