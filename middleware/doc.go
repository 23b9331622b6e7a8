// Package middleware adapts an authguard.Engine to net/http.
//
//   - [RequireAccess] verifies the bearer access token and stores its claims.
//   - [RequirePermission] checks claims stored by RequireAccess.
//   - [RateLimit] and [SlowDown] apply abuse rules per client key.
//   - [RequestInfo] attaches client IP and User-Agent for audit events.
//
// Client IPs come from the connection peer. X-Forwarded-For is read only
// through [TrustedProxyIP], and only when the peer is a listed proxy; pass
// it to [RequestInfoFrom], [RateLimit] and [SlowDown] behind a load balancer.
//
// All authentication decisions are delegated to the Engine.
package middleware
