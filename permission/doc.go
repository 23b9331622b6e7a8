// Package permission defines the closed set of capability strings a session and its
// access tokens may carry, and validates claimed capabilities against it.
//
// # Architecture boundaries
//
// This package is a pure in-memory data structure with no I/O. Token parsing and
// session decoding call [Registry.Parse] so that capability lists coming off the
// wire are never trusted blindly.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import authguard, jwt, or session.
//   - Accept registrations after [Registry.Freeze].
package permission
