// Package session owns the server-side session record that decides whether any token
// referencing it is still honored.
//
// # Architecture boundaries
//
// [Store] is the injected persistence seam. [RedisStore] is the production
// implementation (one key per session, one key per refresh digest, one SET per
// user as a secondary index). [MemoryStore] implements the same contract in
// process for tests and single-node tools.
//
// # Key layout (RedisStore, default prefix "ag")
//
//   - ag:s:<sid>: encoded [Session], TTL = refresh lifetime
//   - ag:r:<sid>: SHA-256 digest of the current refresh token, same TTL
//   - ag:u:<uid>: SET of session ids issued to the user
//
// # What this package must NOT do
//
//   - Sign, parse, or otherwise interpret tokens.
//   - Extend a session TTL on access; touches preserve the remaining lifetime.
package session
