// Package authguard is the authentication and session security core: signed
// access and refresh tokens backed by server-side sessions, TOTP and backup
// code MFA, field-level AEAD encryption, a bounded security audit log and
// abuse throttling.
//
// Build an [Engine] with [New]:
//
//	engine, err := authguard.New().
//		WithConfig(cfg).
//		WithRedis(client).
//		WithCapabilities([]string{"orders:read", "orders:write"}).
//		WithLogger(logger).
//		Build()
//
// Engine methods are safe for concurrent use. Every Redis call runs under
// Config.Session.StoreTimeout; an unreachable store makes [Engine.Verify]
// report the token invalid and makes the other operations return an error of
// kind [KindStoreUnavailable].
//
// # Tokens and sessions
//
// A session record is the source of truth: an access token verifies only
// while its session exists, so [Engine.RevokeSession] takes effect on the
// next request. Refresh tokens are single use; presenting a rotated-away
// refresh token revokes the session it belonged to.
//
// # Errors
//
// Operations return [*Error]. Match kinds with errors.Is against
// [ErrValidation], [ErrAuthentication], [ErrRateLimit] and the other kind
// sentinels, and show end users [Engine.PublicMessage] rather than the error
// text.
//
// Each component is also usable on its own: see packages session, jwt, mfa,
// fieldcrypt, audit and abuse.
package authguard
