package rulestore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/localcache"
)

// Provider is the durable store surface the cached layer sits on.
type Provider interface {
	guard.ConfigProvider
	AllRules(ctx context.Context) ([]guard.Rule, error)
	BanHistory(ctx context.Context, identityKey string) (*guard.BanEntry, error)
}

// CacheConfig tunes the read-through cache. Staleness here trades directly
// against ban and rule-change responsiveness.
type CacheConfig struct {
	RuleTTL     time.Duration // how long rule lists live between store reads
	OverrideTTL time.Duration
	BanTTL      time.Duration // applies to both hits and negative entries
	MaxEntries  int
}

// DefaultCacheConfig returns the read-through cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RuleTTL:     60 * time.Second,
		OverrideTTL: 30 * time.Second,
		BanTTL:      10 * time.Second,
		MaxEntries:  50000,
	}
}

type banCacheEntry struct {
	entry *guard.BanEntry // nil records a negative lookup
}

// Cached is a read-through cached guard.ConfigProvider. It bounds load on the
// durable store so config reads stay off the hot path's latency budget.
type Cached struct {
	store     Provider
	cfg       CacheConfig
	rules     *localcache.Cache[[]guard.Rule]
	overrides *localcache.Cache[*guard.Override]
	bans      *localcache.Cache[banCacheEntry]
	logger    *zap.Logger
}

// NewCached wraps a durable provider with TTL caching.
func NewCached(store Provider, cfg CacheConfig, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 50000
	}
	return &Cached{
		store:     store,
		cfg:       cfg,
		rules:     localcache.New[[]guard.Rule](localcache.Config{MaxSize: 64, DefaultTTL: cfg.RuleTTL}),
		overrides: localcache.New[*guard.Override](localcache.Config{MaxSize: cfg.MaxEntries, DefaultTTL: cfg.OverrideTTL}),
		bans:      localcache.New[banCacheEntry](localcache.Config{MaxSize: cfg.MaxEntries, DefaultTTL: cfg.BanTTL}),
		logger:    logger,
	}
}

// Warm prefetches every active rule into the cache, grouped by scope.
func (c *Cached) Warm(ctx context.Context) error {
	all, err := c.store.AllRules(ctx)
	if err != nil {
		return err
	}

	byScope := make(map[guard.ScopeType][]guard.Rule)
	for _, r := range all {
		byScope[r.Scope] = append(byScope[r.Scope], r)
	}
	for _, scope := range []guard.ScopeType{
		guard.ScopeGlobal, guard.ScopeIP, guard.ScopeEndpoint,
		guard.ScopeUser, guard.ScopeUserEndpoint,
	} {
		c.rules.Set(string(scope), byScope[scope], c.cfg.RuleTTL)
	}
	c.logger.Info("rule cache warmed", zap.Int("rules", len(all)))
	return nil
}

// Rules returns the cached rule list for a scope, reading through on miss.
func (c *Cached) Rules(ctx context.Context, scope guard.ScopeType) ([]guard.Rule, error) {
	if cached, ok := c.rules.Get(string(scope)); ok {
		return cached, nil
	}
	rules, err := c.store.Rules(ctx, scope)
	if err != nil {
		return nil, err
	}
	c.rules.Set(string(scope), rules, c.cfg.RuleTTL)
	return rules, nil
}

// Override reads through the override cache.
func (c *Cached) Override(ctx context.Context, userID, path string) (*guard.Override, error) {
	key := userID + "\x00" + path
	if cached, ok := c.overrides.Get(key); ok {
		return cached, nil
	}
	o, err := c.store.Override(ctx, userID, path)
	if err != nil {
		return nil, err
	}
	c.overrides.Set(key, o, c.cfg.OverrideTTL)
	return o, nil
}

// BanEntry reads through the ban cache. Negative results are cached too:
// most requests come from identities that were never banned.
func (c *Cached) BanEntry(ctx context.Context, identityKey string) (*guard.BanEntry, error) {
	if cached, ok := c.bans.Get(identityKey); ok {
		return cached.entry, nil
	}
	entry, err := c.store.BanEntry(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	c.bans.Set(identityKey, banCacheEntry{entry: entry}, c.cfg.BanTTL)
	return entry, nil
}

// UpsertBan writes through and refreshes the cache entry.
func (c *Cached) UpsertBan(ctx context.Context, entry guard.BanEntry) error {
	if err := c.store.UpsertBan(ctx, entry); err != nil {
		return err
	}
	e := entry
	c.bans.Set(entry.IdentityKey, banCacheEntry{entry: &e}, c.cfg.BanTTL)
	return nil
}

// BanHistory bypasses the cache: it only runs while creating a ban, never
// on the request path, and must see the freshest ban count.
func (c *Cached) BanHistory(ctx context.Context, identityKey string) (*guard.BanEntry, error) {
	return c.store.BanHistory(ctx, identityKey)
}

// RemoveBan writes through and drops the cache entry.
func (c *Cached) RemoveBan(ctx context.Context, identityKey string) error {
	if err := c.store.RemoveBan(ctx, identityKey); err != nil {
		return err
	}
	c.bans.Delete(identityKey)
	return nil
}

// InvalidateRules drops cached rule lists after administrative edits.
func (c *Cached) InvalidateRules() {
	for _, scope := range []guard.ScopeType{
		guard.ScopeGlobal, guard.ScopeIP, guard.ScopeEndpoint,
		guard.ScopeUser, guard.ScopeUserEndpoint,
	} {
		c.rules.Delete(string(scope))
	}
}

// InvalidateOverride drops a cached override after administrative edits.
func (c *Cached) InvalidateOverride(userID, path string) {
	c.overrides.Delete(userID + "\x00" + path)
}

// Close stops the cache cleanup loops.
func (c *Cached) Close() {
	c.rules.Close()
	c.overrides.Close()
	c.bans.Close()
}
