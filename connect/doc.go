// Package connect establishes one attested websocket session to an enclave
// service by racing the candidate routes.
//
// Every route is attempted concurrently. The result is the highest priority
// route that completes attestation, decided as soon as every route ahead of
// it has failed; it does not wait for lower priority attempts. Losing
// attempts are cancelled and close their own connections.
package connect
