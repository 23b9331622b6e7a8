// Package jwt signs and parses the access and refresh tokens issued for a
// session. Access and refresh tokens use distinct keys so that one kind can
// never be replayed as the other, and parsing is strict about algorithm,
// issuer, audience, expiry and the capability names carried in the claims.
package jwt
