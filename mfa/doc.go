// Package mfa provides TOTP enrollment and verification together with
// single-use backup codes stored as per-user digest sets in Redis.
//
// [Manager.VerifyTOTP] charges every rejected or replayed code against a
// per-user failure budget and, with replay protection on, accepts each time
// step at most once. [Manager.ValidTOTPAt] is the stateless check.
package mfa
