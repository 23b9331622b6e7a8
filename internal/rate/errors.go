package rate

import "errors"

var (
	// ErrRateLimited is returned by callers that translate a count into a rejection.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps every Redis failure raised by this package.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
