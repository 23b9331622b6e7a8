// Package rate provides the Redis-backed fixed-window counter shared by the abuse guard
// and the MFA attempt limiter.
//
// # Window semantics
//
// Fixed-window counters: INCR + PEXPIRE on the first hit of a window. A counter
// found without a TTL (process died between the two commands) is re-armed on
// the next hit so it can never pin a caller forever.
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in abuse and mfa).
//   - Be imported outside the authguard module.
package rate
