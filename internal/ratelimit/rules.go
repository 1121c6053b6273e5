// Package ratelimit implements the fixed-window quota engine. It resolves
// the applicable rules for a request across scope types, counts atomically
// against the counter store, and folds the results into a single decision.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// boundRule is a rule bound to the concrete scope value it counts against.
type boundRule struct {
	rule     guard.Rule
	scopeKey string // scope value portion of the counter key
	override bool   // limit/window came from a per-user override
}

// scopeValue returns the counter scope value for a rule against a request,
// and whether the scope applies at all (user scopes need an authenticated
// identity, endpoint-filtered rules need a matching path).
func scopeValue(rule guard.Rule, rc guard.RequestContext) (string, bool) {
	if rule.EndpointMatch != "" && rule.EndpointMatch != "*" && rule.EndpointMatch != rc.Path {
		return "", false
	}
	switch rule.Scope {
	case guard.ScopeGlobal:
		return "global", true
	case guard.ScopeIP:
		if rc.ClientIP == "" {
			return "", false
		}
		return rc.ClientIP, true
	case guard.ScopeEndpoint:
		return rc.Path, true
	case guard.ScopeUser:
		if rc.UserID == "" {
			return "", false
		}
		return rc.UserID, true
	case guard.ScopeUserEndpoint:
		if rc.UserID == "" {
			return "", false
		}
		return rc.UserID + ":" + rc.Path, true
	}
	return "", false
}

var allScopes = []guard.ScopeType{
	guard.ScopeUserEndpoint,
	guard.ScopeUser,
	guard.ScopeEndpoint,
	guard.ScopeIP,
	guard.ScopeGlobal,
}

// resolve collects every rule that applies to the request, ordered most
// specific first. A missing scope is not an error: it simply imposes no
// limit. An unexpired per-user override replaces the limit and window of
// the matched user-scope rules.
func (e *Engine) resolve(ctx context.Context, rc guard.RequestContext) ([]boundRule, error) {
	var bound []boundRule
	for _, scope := range allScopes {
		rules, err := e.config.Rules(ctx, scope)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if !rule.Active {
				continue
			}
			key, ok := scopeValue(rule, rc)
			if !ok {
				continue
			}
			bound = append(bound, boundRule{rule: rule, scopeKey: key})
		}
	}

	if rc.UserID != "" {
		ov, err := e.config.Override(ctx, rc.UserID, rc.Path)
		if err != nil {
			e.logger.Warn("override lookup failed, using base rules",
				zap.String("user_id", rc.UserID), zap.Error(err))
		} else if ov != nil && !ov.Expired(e.now()) {
			bound = applyOverride(bound, *ov)
		}
	}

	sort.SliceStable(bound, func(i, j int) bool {
		return bound[i].rule.Scope.Precedence() < bound[j].rule.Scope.Precedence()
	})
	return bound, nil
}

// applyOverride swaps the override's limit and window into the user-scope
// rules. When no user-scope rule matched, the override becomes a synthetic
// user rule of its own so a raised quota also works for users with no base
// per-user rule.
func applyOverride(bound []boundRule, ov guard.Override) []boundRule {
	applied := false
	for i := range bound {
		scope := bound[i].rule.Scope
		if scope != guard.ScopeUser && scope != guard.ScopeUserEndpoint {
			continue
		}
		bound[i].rule.MaxRequests = ov.MaxRequests
		bound[i].rule.Window = ov.Window
		bound[i].rule.BurstMax = 0
		bound[i].override = true
		applied = true
	}
	if !applied {
		bound = append(bound, boundRule{
			rule: guard.Rule{
				ID:          "override:" + ov.ID,
				Scope:       guard.ScopeUser,
				MaxRequests: ov.MaxRequests,
				Window:      ov.Window,
				Action:      guard.ActionDeny,
				Active:      true,
			},
			scopeKey: ov.UserID,
			override: true,
		})
	}
	return bound
}

// counterKey builds the fixed-window counter key. The bucket id pins the
// key to one window so a rollover naturally starts a fresh counter.
func counterKey(b boundRule, now time.Time) string {
	bucket := now.Unix() / int64(b.rule.Window.Seconds())
	return fmt.Sprintf("rl:%s:%s:%d", b.rule.Scope, b.scopeKey, bucket)
}

// burstKey builds the secondary short-window counter key for burst control.
func burstKey(b boundRule, now time.Time) string {
	bucket := now.Unix() / int64(b.rule.BurstWindow.Seconds())
	return fmt.Sprintf("rl:burst:%s:%s:%d", b.rule.Scope, b.scopeKey, bucket)
}

// windowRemaining returns the time left until the current fixed window of
// the given length rolls over.
func windowRemaining(window time.Duration, now time.Time) time.Duration {
	sec := int64(window.Seconds())
	elapsed := now.Unix() % sec
	return time.Duration(sec-elapsed) * time.Second
}
