package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/auth-platform/traffic-guard/internal/counterstore"
	"github.com/auth-platform/traffic-guard/internal/guard"
)

type fakeConfig struct {
	rules     map[guard.ScopeType][]guard.Rule
	overrides map[string]*guard.Override
	err       error
}

func (f *fakeConfig) Rules(_ context.Context, scope guard.ScopeType) ([]guard.Rule, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rules[scope], nil
}

func (f *fakeConfig) Override(_ context.Context, userID, path string) (*guard.Override, error) {
	if o, ok := f.overrides[userID+":"+path]; ok {
		return o, nil
	}
	return f.overrides[userID+":*"], nil
}

func (f *fakeConfig) BanEntry(context.Context, string) (*guard.BanEntry, error) { return nil, nil }
func (f *fakeConfig) UpsertBan(context.Context, guard.BanEntry) error           { return nil }
func (f *fakeConfig) RemoveBan(context.Context, string) error                   { return nil }

type failingCounters struct{}

func (failingCounters) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	return 0, guard.ErrStoreUnavailable
}

func rule(scope guard.ScopeType, limit int64, window time.Duration) guard.Rule {
	return guard.Rule{
		ID:          string(scope) + "-rule",
		Scope:       scope,
		MaxRequests: limit,
		Window:      window,
		Action:      guard.ActionDeny,
		Active:      true,
	}
}

func newTestEngine(t *testing.T, rules map[guard.ScopeType][]guard.Rule) (*Engine, *counterstore.MemoryStore, *time.Time) {
	t.Helper()
	store := counterstore.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	cfg := DefaultConfig()
	cfg.CacheDecisions = false
	e := New(cfg, store, nil, &fakeConfig{rules: rules}, nil)
	e.SetClock(func() time.Time { return now })
	return e, store, &now
}

func TestCheckAllowsWithinLimitAndDeniesBeyond(t *testing.T) {
	e, _, _ := newTestEngine(t, map[guard.ScopeType][]guard.Rule{
		guard.ScopeIP: {rule(guard.ScopeIP, 3, time.Minute)},
	})
	rc := guard.RequestContext{ClientIP: "10.0.0.1", Path: "/login"}

	for i := 0; i < 3; i++ {
		d, v := e.Check(context.Background(), rc)
		assert.True(t, d.Allow, "request %d should be allowed", i+1)
		assert.Nil(t, v)
	}

	d, v := e.Check(context.Background(), rc)
	assert.False(t, d.Allow)
	assert.Equal(t, guard.ReasonRateLimited, d.Reason)
	assert.Positive(t, d.RetryAfter)
	require.NotNil(t, d.MatchedRule)
	assert.Equal(t, guard.ScopeIP, d.MatchedRule.Scope)
	require.NotNil(t, v)
	assert.Equal(t, int64(4), v.Count)
	assert.Equal(t, "ip:10.0.0.1", v.IdentityID)
}

func TestCheckWindowRollover(t *testing.T) {
	e, _, now := newTestEngine(t, map[guard.ScopeType][]guard.Rule{
		guard.ScopeIP: {rule(guard.ScopeIP, 1, time.Minute)},
	})
	rc := guard.RequestContext{ClientIP: "10.0.0.2", Path: "/x"}

	d, _ := e.Check(context.Background(), rc)
	assert.True(t, d.Allow)
	d, _ = e.Check(context.Background(), rc)
	assert.False(t, d.Allow)

	*now = now.Add(time.Minute)
	d, _ = e.Check(context.Background(), rc)
	assert.True(t, d.Allow, "fresh window should reset the counter")
}

func TestCheckMostSpecificRuleWins(t *testing.T) {
	e, _, _ := newTestEngine(t, map[guard.ScopeType][]guard.Rule{
		guard.ScopeIP:           {rule(guard.ScopeIP, 100, time.Minute)},
		guard.ScopeUserEndpoint: {rule(guard.ScopeUserEndpoint, 5, time.Minute)},
	})
	rc := guard.RequestContext{ClientIP: "10.0.0.3", UserID: "u1", Path: "/search"}

	var denied *guard.Decision
	for i := 0; i < 6; i++ {
		d, _ := e.Check(context.Background(), rc)
		if !d.Allow {
			denied = &d
			break
		}
	}
	require.NotNil(t, denied, "6th request should exceed the per-user-endpoint limit")
	require.NotNil(t, denied.MatchedRule)
	assert.Equal(t, guard.ScopeUserEndpoint, denied.MatchedRule.Scope,
		"denial attributes to the most specific rule even though the IP limit is untouched")
}

func TestCheckNoRulesMeansNoLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	for i := 0; i < 100; i++ {
		d, v := e.Check(context.Background(), guard.RequestContext{ClientIP: "10.0.0.4", Path: "/free"})
		assert.True(t, d.Allow)
		assert.Nil(t, v)
	}
}

func TestCheckUserScopesSkippedWhenUnauthenticated(t *testing.T) {
	e, _, _ := newTestEngine(t, map[guard.ScopeType][]guard.Rule{
		guard.ScopeUser: {rule(guard.ScopeUser, 1, time.Minute)},
	})
	for i := 0; i < 5; i++ {
		d, _ := e.Check(context.Background(), guard.RequestContext{ClientIP: "10.0.0.5", Path: "/p"})
		assert.True(t, d.Allow)
	}
}

func TestCheckBurstWindow(t *testing.T) {
	r := rule(guard.ScopeIP, 100, time.Minute)
	r.BurstMax = 2
	r.BurstWindow = time.Second
	e, _, _ := newTestEngine(t, map[guard.ScopeType][]guard.Rule{guard.ScopeIP: {r}})
	rc := guard.RequestContext{ClientIP: "10.0.0.6", Path: "/b"}

	d, _ := e.Check(context.Background(), rc)
	assert.True(t, d.Allow)
	d, _ = e.Check(context.Background(), rc)
	assert.True(t, d.Allow)

	d, v := e.Check(context.Background(), rc)
	assert.False(t, d.Allow, "third request inside the burst second should be denied")
	require.NotNil(t, v)
	assert.LessOrEqual(t, d.RetryAfter, time.Second)
}

func TestCheckOverrideRaisesUserLimit(t *testing.T) {
	store := counterstore.NewMemoryStore()
	cfgp := &fakeConfig{
		rules: map[guard.ScopeType][]guard.Rule{
			guard.ScopeUser: {rule(guard.ScopeUser, 2, time.Minute)},
		},
		overrides: map[string]*guard.Override{
			"u2:*": {ID: "ov1", UserID: "u2", Path: "*", MaxRequests: 10, Window: time.Minute},
		},
	}
	cfg := DefaultConfig()
	cfg.CacheDecisions = false
	e := New(cfg, store, nil, cfgp, nil)

	rc := guard.RequestContext{ClientIP: "10.0.0.7", UserID: "u2", Path: "/api"}
	for i := 0; i < 10; i++ {
		d, _ := e.Check(context.Background(), rc)
		assert.True(t, d.Allow, "override should raise the limit to 10 (request %d)", i+1)
	}
	d, _ := e.Check(context.Background(), rc)
	assert.False(t, d.Allow)
}

func TestCheckFailOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheDecisions = false
	e := New(cfg, failingCounters{}, nil, &fakeConfig{
		rules: map[guard.ScopeType][]guard.Rule{
			guard.ScopeIP: {rule(guard.ScopeIP, 1, time.Minute)},
		},
	}, nil)

	for i := 0; i < 5; i++ {
		d, v := e.Check(context.Background(), guard.RequestContext{ClientIP: "10.0.0.8", Path: "/p"})
		assert.True(t, d.Allow, "fail-open allows every request")
		assert.True(t, d.Degraded, "degraded flag must be set")
		assert.Nil(t, v)
	}
}

func TestCheckFailClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailOpen = false
	cfg.CacheDecisions = false
	e := New(cfg, failingCounters{}, nil, &fakeConfig{
		rules: map[guard.ScopeType][]guard.Rule{
			guard.ScopeIP: {rule(guard.ScopeIP, 1, time.Minute)},
		},
	}, nil)

	d, _ := e.Check(context.Background(), guard.RequestContext{ClientIP: "10.0.0.9", Path: "/p"})
	assert.False(t, d.Allow)
	assert.True(t, d.Degraded)
}

func TestCheckDeniedDecisionCached(t *testing.T) {
	store := counterstore.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.SetClock(func() time.Time { return now })

	cfg := DefaultConfig()
	e := New(cfg, store, store, &fakeConfig{
		rules: map[guard.ScopeType][]guard.Rule{
			guard.ScopeIP: {rule(guard.ScopeIP, 1, time.Minute)},
		},
	}, nil)
	e.SetClock(func() time.Time { return now })

	rc := guard.RequestContext{ClientIP: "10.0.0.10", Path: "/hot"}
	d, _ := e.Check(context.Background(), rc)
	assert.True(t, d.Allow)

	// Step past the short allow-cache TTL but stay inside the window.
	now = now.Add(2 * time.Second)
	d, _ = e.Check(context.Background(), rc)
	assert.False(t, d.Allow)
	require.Positive(t, d.RetryAfter)
	want := d.RetryAfter

	// The cached deny verdict short-circuits the counters entirely.
	d, v := e.Check(context.Background(), rc)
	assert.False(t, d.Allow)
	assert.Nil(t, v, "cached denies do not re-emit violations")
	assert.Equal(t, want, d.RetryAfter, "cached denies still answer the wait time")
}

// Concurrency safety: N concurrent requests against limit L produce exactly
// L allows, never more, under arbitrary interleaving.
func TestCheckConcurrentAllowsNeverExceedLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.Int64Range(1, 20).Draw(t, "limit")
		extra := rapid.Int64Range(1, 30).Draw(t, "extra")
		total := limit + extra

		store := counterstore.NewMemoryStore()
		cfg := DefaultConfig()
		cfg.CacheDecisions = false
		e := New(cfg, store, nil, &fakeConfig{
			rules: map[guard.ScopeType][]guard.Rule{
				guard.ScopeIP: {rule(guard.ScopeIP, limit, time.Minute)},
			},
		}, nil)

		rc := guard.RequestContext{ClientIP: "10.1.0.1", Path: "/c"}

		var allows int64
		var wg sync.WaitGroup
		for i := int64(0); i < total; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, _ := e.Check(context.Background(), rc)
				if d.Allow {
					atomic.AddInt64(&allows, 1)
				}
			}()
		}
		wg.Wait()

		if allows != limit {
			t.Fatalf("got %d allows for limit %d (%d requests)", allows, limit, total)
		}
	})
}

func TestWindowRemaining(t *testing.T) {
	now := time.Unix(90, 0) // 30s into a 60s window
	assert.Equal(t, 30*time.Second, windowRemaining(time.Minute, now))

	now = time.Unix(60, 0) // window boundary
	assert.Equal(t, time.Minute, windowRemaining(time.Minute, now))
}
