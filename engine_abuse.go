package authguard

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authguard/abuse"
)

// RateLimit applies rule to key. A rejected call returns Allowed=false
// together with a rate-limit error; see [abuse.Guard.RateLimit].
func (e *Engine) RateLimit(ctx context.Context, rule abuse.Rule, key string) (abuse.Decision, error) {
	const op = "rate_limit"
	if e == nil || e.guard == nil {
		return abuse.Decision{}, newError(KindInternal, op, ErrEngineNotReady)
	}
	d, err := e.guard.RateLimit(ctx, rule, key)
	if errors.Is(err, abuse.ErrRateLimited) {
		e.metricInc(MetricRateLimitHit)
	}
	return d, wrap(op, err)
}

// SlowDown delays the caller according to rule and returns the delay applied.
func (e *Engine) SlowDown(ctx context.Context, rule abuse.SlowRule, key string) (time.Duration, error) {
	const op = "slow_down"
	if e == nil || e.guard == nil {
		return 0, newError(KindInternal, op, ErrEngineNotReady)
	}
	d, err := e.guard.SlowDown(ctx, rule, key)
	if d > 0 {
		e.metricInc(MetricSlowDownApplied)
	}
	return d, wrap(op, err)
}
