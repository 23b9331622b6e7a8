// Package abuse rate-limits and slows down repeated calls per key using
// fixed-window counters in Redis.
//
// Rejections are recorded as medium-severity [audit.TypeRateLimitExceeded]
// events. When the counter store is unreachable the guard fails closed unless
// configured to fail open.
package abuse
