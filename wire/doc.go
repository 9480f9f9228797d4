// Package wire encodes and decodes the protobuf messages exchanged with the
// enclave: the handshake-start message carrying attestation evidence, the
// client handshake reply, and the lookup request/response frames.
//
// Messages are hand-encoded with google.golang.org/protobuf/encoding/protowire
// so the package needs no generated code. Unknown fields are skipped, as a
// protobuf decoder would. Any malformed input is reported as ErrDecode.
package wire
