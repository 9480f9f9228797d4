// Package cdsi runs contact discovery lookups against an attested enclave.
//
// A lookup sends one request, receives a continuation token, acknowledges it
// and then collects result pages until the service closes the session. The
// token lets a later lookup resume with only the numbers that changed.
package cdsi
