// Package bridge hands Go objects and asynchronous results to callers that
// cannot hold Go pointers, such as foreign runtimes or HTTP clients.
//
// Objects are registered in a HandleTable and referred to by opaque uint64
// handles. Asynchronous work runs through an AsyncRunner, which assigns a
// cancellation id to every operation and completes each exactly once. Guard
// is the single place where panics are recovered; they surface as
// ErrInternal.
package bridge
