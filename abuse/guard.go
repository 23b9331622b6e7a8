package abuse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authguard/audit"
	"github.com/MrEthical07/authguard/internal/rate"
)

var (
	// ErrRateLimited is returned when a key exceeded its rule.
	ErrRateLimited = errors.New("abuse: rate limited")
	// ErrStoreUnavailable is returned when the counter store failed and the
	// guard is failing closed.
	ErrStoreUnavailable = errors.New("abuse: counter store unavailable")
	// ErrInvalidRule is returned for rules with empty names or non-positive limits.
	ErrInvalidRule = errors.New("abuse: invalid rule")
)

// Rule is a fixed-window limit of Max calls per Window.
type Rule struct {
	Name   string
	Window time.Duration
	Max    int64
}

// SlowRule delays calls beyond DelayAfter within Window by DelayStep per
// excess call, capped at MaxDelay. MaxDelay must be positive.
type SlowRule struct {
	Name       string
	Window     time.Duration
	DelayAfter int64
	DelayStep  time.Duration
	MaxDelay   time.Duration
}

// Decision is the outcome of [Guard.RateLimit].
type Decision struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
}

// EventRecorder receives rejection events. *audit.Log satisfies it.
type EventRecorder interface {
	LogEvent(ctx context.Context, event audit.Event) audit.Event
}

// Config controls store-failure behavior and the key namespace.
type Config struct {
	FailOpen  bool
	KeyPrefix string
	// StoreTimeout bounds each counter round trip. A timeout is a store failure.
	StoreTimeout time.Duration
}

// Guard applies rules. It is safe for concurrent use.
type Guard struct {
	counter *rate.Counter
	events  EventRecorder
	logger  *zap.Logger
	config  Config
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGuard returns a Guard counting in client. events and logger may be nil.
func NewGuard(client redis.UniversalClient, events EventRecorder, logger *zap.Logger, cfg Config) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ag:rl"
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 250 * time.Millisecond
	}
	return &Guard{
		counter: rate.NewCounter(client),
		events:  events,
		logger:  logger.Named("abuse"),
		config:  cfg,
		sleep:   sleepContext,
	}
}

func (g *Guard) key(rule, key string) string {
	return g.config.KeyPrefix + ":" + rule + ":" + key
}

func (g *Guard) hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.StoreTimeout)
	defer cancel()
	return g.counter.Hit(ctx, key, window)
}

func validRuleName(name string) bool {
	return name != "" && !strings.Contains(name, ":")
}

// RateLimit counts one call for key under rule. Calls beyond rule.Max within
// the window are rejected with Allowed=false and [ErrRateLimited]; each
// rejected call records exactly one medium-severity event.
func (g *Guard) RateLimit(ctx context.Context, rule Rule, key string) (Decision, error) {
	if !validRuleName(rule.Name) || rule.Window <= 0 || rule.Max <= 0 {
		return Decision{}, ErrInvalidRule
	}

	count, ttl, err := g.hit(ctx, g.key(rule.Name, key), rule.Window)
	if err != nil {
		g.logger.Warn("rate limit counter unavailable",
			zap.String("rule", rule.Name),
			zap.Bool("fail_open", g.config.FailOpen),
			zap.Error(err),
		)
		if g.config.FailOpen {
			return Decision{Allowed: true, Remaining: rule.Max}, nil
		}
		return Decision{RetryAfter: rule.Window}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := Decision{
		Allowed:   count <= rule.Max,
		Count:     count,
		Remaining: max(rule.Max-count, 0),
	}
	if d.Allowed {
		return d, nil
	}

	d.RetryAfter = ttl
	if g.events != nil {
		g.events.LogEvent(ctx, audit.Event{
			Type:     audit.TypeRateLimitExceeded,
			Severity: audit.SeverityMedium,
			Success:  false,
			Details: map[string]any{
				"rule":        rule.Name,
				"key":         key,
				"count":       count,
				"max":         rule.Max,
				"retry_after": ttl.String(),
			},
		})
	}
	return d, ErrRateLimited
}

// Delay computes the slow-down delay for key without sleeping.
func (g *Guard) Delay(ctx context.Context, rule SlowRule, key string) (time.Duration, error) {
	if !validRuleName(rule.Name) || rule.Window <= 0 || rule.DelayAfter < 0 || rule.DelayStep <= 0 || rule.MaxDelay <= 0 {
		return 0, ErrInvalidRule
	}
	count, _, err := g.hit(ctx, g.key(rule.Name, key), rule.Window)
	if err != nil {
		// Slow-down never rejects; an unreachable store means no delay.
		g.logger.Warn("slow down counter unavailable", zap.String("rule", rule.Name), zap.Error(err))
		return 0, nil
	}
	return slowDelay(rule, count), nil
}

// SlowDown computes the delay for key and waits it out. It returns the delay
// applied, or ctx's error if ctx ended first.
func (g *Guard) SlowDown(ctx context.Context, rule SlowRule, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	delay, err := g.Delay(ctx, rule, key)
	if err != nil || delay == 0 {
		return delay, err
	}
	if err := g.sleep(ctx, delay); err != nil {
		return delay, err
	}
	return delay, nil
}

func slowDelay(rule SlowRule, count int64) time.Duration {
	if count <= rule.DelayAfter {
		return 0
	}
	excess := count - rule.DelayAfter
	if rule.MaxDelay <= 0 || rule.DelayStep <= 0 {
		return 0
	}
	if excess > int64(rule.MaxDelay/rule.DelayStep) {
		return rule.MaxDelay
	}
	return time.Duration(excess) * rule.DelayStep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the counter for key under the named rule.
func (g *Guard) Reset(ctx context.Context, ruleName, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.StoreTimeout)
	defer cancel()
	if err := g.counter.Reset(ctx, g.key(ruleName, key)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
