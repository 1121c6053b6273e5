package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Config tunes the engine's failure policy and decision caching.
type Config struct {
	// FailOpen allows requests when the counter store is unreachable.
	// Security-sensitive deployments set this false to deny instead.
	FailOpen bool
	// CacheDecisions enables the short-lived verdict cache in front of the
	// counters. Denies are cached for the window remainder, allows briefly.
	CacheDecisions bool
	// AllowCacheTTL bounds how long a cached allow verdict is trusted. Kept
	// short because a cached allow skips counting entirely.
	AllowCacheTTL time.Duration
	// CounterGrace is added to the counter TTL past the window length so a
	// counter never expires out from under an in-window read.
	CounterGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailOpen:       true,
		CacheDecisions: true,
		AllowCacheTTL:  time.Second,
		CounterGrace:   5 * time.Second,
	}
}

// Engine evaluates requests against the active rules. It is safe for
// concurrent use; all per-request state lives on the stack.
type Engine struct {
	cfg      Config
	counters guard.CounterStore
	cache    guard.DecisionCache
	config   guard.ConfigProvider
	logger   *zap.Logger
	now      func() time.Time
}

// New creates the engine. cache may be nil to disable decision caching
// regardless of configuration.
func New(cfg Config, counters guard.CounterStore, cache guard.DecisionCache, config guard.ConfigProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AllowCacheTTL <= 0 {
		cfg.AllowCacheTTL = time.Second
	}
	if cache == nil {
		cfg.CacheDecisions = false
	}
	return &Engine{
		cfg:      cfg,
		counters: counters,
		cache:    cache,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the engine clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Check evaluates all applicable rules for the request. Every applicable
// counter is incremented; if any rule denies, the request is denied and
// the violation is attributed to the denying rule that is first in
// precedence order. Store failures never escape as errors: the configured
// fail-open/fail-closed policy resolves them into a degraded decision,
// and the returned violation (when non-nil) must be reported by the
// caller for escalation counting.
func (e *Engine) Check(ctx context.Context, rc guard.RequestContext) (guard.Decision, *guard.Violation) {
	now := e.now()
	cacheKey := "dc:" + rc.IdentityKey() + ":" + rc.Path

	if e.cfg.CacheDecisions {
		if allowed, retry, found, err := e.cache.GetDecision(ctx, cacheKey); err == nil && found {
			if allowed {
				return guard.Allowed(), nil
			}
			return guard.Decision{Allow: false, Reason: guard.ReasonRateLimited, RetryAfter: retry}, nil
		}
	}

	bound, err := e.resolve(ctx, rc)
	if err != nil {
		return e.degraded("rule resolution", err), nil
	}
	if len(bound) == 0 {
		// No rule resolves for any scope: no limit applies.
		return guard.Allowed(), nil
	}

	var (
		denied    *boundRule
		denyCount int64
		retry     time.Duration
	)
	for i := range bound {
		b := &bound[i]
		count, err := e.counters.IncrementAndGet(ctx, counterKey(*b, now), b.rule.Window+e.cfg.CounterGrace)
		if err != nil {
			return e.degraded("counter increment", err), nil
		}
		if denied == nil && count > b.rule.MaxRequests {
			denied, denyCount = b, count
			retry = windowRemaining(b.rule.Window, now)
			continue
		}
		if denied == nil && b.rule.BurstMax > 0 {
			bCount, err := e.counters.IncrementAndGet(ctx, burstKey(*b, now), b.rule.BurstWindow+e.cfg.CounterGrace)
			if err != nil {
				return e.degraded("burst increment", err), nil
			}
			if bCount > b.rule.BurstMax {
				denied, denyCount = b, bCount
				retry = windowRemaining(b.rule.BurstWindow, now)
			}
		}
	}

	if denied == nil {
		if e.cfg.CacheDecisions {
			if err := e.cache.SetAllowed(ctx, cacheKey, e.cfg.AllowCacheTTL); err != nil {
				e.logger.Debug("allow cache write failed", zap.Error(err))
			}
		}
		return guard.Allowed(), nil
	}

	if e.cfg.CacheDecisions {
		if err := e.cache.SetDenied(ctx, cacheKey, retry); err != nil {
			e.logger.Debug("deny cache write failed", zap.Error(err))
		}
	}

	rule := denied.rule
	decision := guard.Decision{
		Allow:       false,
		Reason:      guard.ReasonRateLimited,
		RetryAfter:  retry,
		MatchedRule: &rule,
		Count:       denyCount,
	}
	if rule.Action == guard.ActionDenyFlag {
		decision.Reason = guard.ReasonFlagged
	}

	v := &guard.Violation{
		ID:         uuid.NewString(),
		Timestamp:  now,
		ScopeKey:   denied.scopeKey,
		Scope:      rule.Scope,
		RuleID:     rule.ID,
		Limit:      rule.MaxRequests,
		Count:      denyCount,
		Window:     rule.Window,
		UserID:     rc.UserID,
		ClientIP:   rc.ClientIP,
		Endpoint:   rc.Path,
		IdentityID: rc.IdentityKey(),
	}
	return decision, v
}

// degraded resolves a store failure into the configured fallback decision.
func (e *Engine) degraded(op string, err error) guard.Decision {
	e.logger.Warn("rate limit check degraded",
		zap.String("operation", op),
		zap.Bool("fail_open", e.cfg.FailOpen),
		zap.Error(err))
	if e.cfg.FailOpen {
		d := guard.Allowed()
		d.Degraded = true
		return d
	}
	return guard.Decision{Allow: false, Reason: guard.ReasonRateLimited, Degraded: true}
}
