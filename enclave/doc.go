// Package enclave turns a verified attestation into session transport keys.
//
// The enclave publishes its X25519 public key, and for post-quantum sessions
// its ML-KEM-768 encapsulation key, in the claims bound by the quote. The
// client answers with an ephemeral X25519 key and, for post-quantum
// sessions, a KEM ciphertext. Both sides derive two directional
// ChaCha20-Poly1305 keys from the combined secrets, salted with a transcript
// hash over the exact evidence and endorsement bytes.
package enclave
