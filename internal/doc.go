// Package internal holds helpers private to authguard: session identifier
// generation, token digests and random hex codes.
//
// # Sub-packages
//
//   - rate: Redis-backed fixed-window counters shared by mfa and abuse
package internal
