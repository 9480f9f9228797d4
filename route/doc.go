// Package route builds the ordered list of transport plans used to reach an
// enclave service: a direct connection, a proxied one, or both.
package route
