// Package enclavetest generates attestation fixtures and runs a fake lookup
// enclave for tests.
//
// Fixtures use a freshly generated certificate hierarchy: a root CA, a PCK
// intermediate and leaf that endorse the quoting key, and a TCB signing
// certificate for the collateral. Pass Fixture.Roots as attest.Options.Roots.
package enclavetest
