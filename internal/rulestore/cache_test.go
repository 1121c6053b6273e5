package rulestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// countingProvider tallies store reads so tests can assert cache behavior.
type countingProvider struct {
	mu            sync.Mutex
	rules         map[guard.ScopeType][]guard.Rule
	overrides     map[string]*guard.Override
	bans          map[string]*guard.BanEntry
	ruleReads     int
	overrideReads int
	banReads      int
	historyReads  int
}

func newCountingProvider() *countingProvider {
	return &countingProvider{
		rules:     make(map[guard.ScopeType][]guard.Rule),
		overrides: make(map[string]*guard.Override),
		bans:      make(map[string]*guard.BanEntry),
	}
}

func (p *countingProvider) Rules(_ context.Context, scope guard.ScopeType) ([]guard.Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ruleReads++
	return p.rules[scope], nil
}

func (p *countingProvider) AllRules(context.Context) ([]guard.Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []guard.Rule
	for _, rs := range p.rules {
		all = append(all, rs...)
	}
	return all, nil
}

func (p *countingProvider) Override(_ context.Context, userID, path string) (*guard.Override, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrideReads++
	return p.overrides[userID+":"+path], nil
}

func (p *countingProvider) BanEntry(_ context.Context, key string) (*guard.BanEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banReads++
	return p.bans[key], nil
}

func (p *countingProvider) BanHistory(_ context.Context, key string) (*guard.BanEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyReads++
	return p.bans[key], nil
}

func (p *countingProvider) UpsertBan(_ context.Context, entry guard.BanEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bans[entry.IdentityKey] = &entry
	return nil
}

func (p *countingProvider) RemoveBan(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bans, key)
	return nil
}

func newCachedFixture(t *testing.T) (*Cached, *countingProvider) {
	t.Helper()
	p := newCountingProvider()
	c := NewCached(p, CacheConfig{
		RuleTTL:     time.Minute,
		OverrideTTL: time.Minute,
		BanTTL:      time.Minute,
		MaxEntries:  100,
	}, nil)
	t.Cleanup(c.Close)
	return c, p
}

func TestCachedRulesReadThrough(t *testing.T) {
	c, p := newCachedFixture(t)
	p.rules[guard.ScopeIP] = []guard.Rule{{ID: "r1", Scope: guard.ScopeIP}}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rules, err := c.Rules(ctx, guard.ScopeIP)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "r1", rules[0].ID)
	}
	assert.Equal(t, 1, p.ruleReads, "repeat reads are served from cache")
}

func TestCachedInvalidateRules(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	c.Rules(ctx, guard.ScopeIP)
	c.InvalidateRules()
	c.Rules(ctx, guard.ScopeIP)
	assert.Equal(t, 2, p.ruleReads, "invalidation forces a fresh store read")
}

func TestCachedWarmPrimesAllScopes(t *testing.T) {
	c, p := newCachedFixture(t)
	p.rules[guard.ScopeIP] = []guard.Rule{{ID: "r1", Scope: guard.ScopeIP}}
	p.rules[guard.ScopeUser] = []guard.Rule{{ID: "r2", Scope: guard.ScopeUser}}
	ctx := context.Background()

	require.NoError(t, c.Warm(ctx))

	for _, scope := range []guard.ScopeType{
		guard.ScopeGlobal, guard.ScopeIP, guard.ScopeEndpoint,
		guard.ScopeUser, guard.ScopeUserEndpoint,
	} {
		_, err := c.Rules(ctx, scope)
		require.NoError(t, err)
	}
	assert.Zero(t, p.ruleReads, "warming covers every scope, even empty ones")
}

func TestCachedOverrideCachesNil(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		o, err := c.Override(ctx, "u1", "*")
		require.NoError(t, err)
		assert.Nil(t, o)
	}
	assert.Equal(t, 1, p.overrideReads, "negative override lookups are cached")
}

func TestCachedOverrideInvalidate(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	c.Override(ctx, "u1", "*")
	p.mu.Lock()
	p.overrides["u1:*"] = &guard.Override{ID: "o1", UserID: "u1", Path: "*"}
	p.mu.Unlock()

	o, err := c.Override(ctx, "u1", "*")
	require.NoError(t, err)
	assert.Nil(t, o, "stale entry served until invalidated")

	c.InvalidateOverride("u1", "*")
	o, err = c.Override(ctx, "u1", "*")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "o1", o.ID)
}

func TestCachedBanEntryNegativeCaching(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		entry, err := c.BanEntry(ctx, "ip:1.1.1.1")
		require.NoError(t, err)
		assert.Nil(t, entry)
	}
	assert.Equal(t, 1, p.banReads, "never-banned identities cost one store read per TTL")
}

func TestCachedUpsertBanRefreshesCache(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	// Prime the negative entry, then ban through the cache.
	c.BanEntry(ctx, "ip:2.2.2.2")
	require.NoError(t, c.UpsertBan(ctx, guard.BanEntry{IdentityKey: "ip:2.2.2.2", Reason: "abuse"}))

	entry, err := c.BanEntry(ctx, "ip:2.2.2.2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "abuse", entry.Reason)
	assert.Equal(t, 1, p.banReads, "the write refreshed the cached entry in place")
}

func TestCachedRemoveBanDropsEntry(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	require.NoError(t, c.UpsertBan(ctx, guard.BanEntry{IdentityKey: "ip:3.3.3.3", Reason: "abuse"}))
	require.NoError(t, c.RemoveBan(ctx, "ip:3.3.3.3"))

	entry, err := c.BanEntry(ctx, "ip:3.3.3.3")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 1, p.banReads, "removal forces the next lookup back to the store")
}

func TestCachedBanHistoryBypassesCache(t *testing.T) {
	c, p := newCachedFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.BanHistory(ctx, "ip:4.4.4.4")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, p.historyReads, "history reads always hit the store")
}
