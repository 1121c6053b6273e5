// Package blacklist owns the escalation policy: it counts violations per
// identity inside a rolling window, promotes repeat offenders into the ban
// list with exponentially backed-off durations, and answers the per-request
// ban check from a hot marker cache.
package blacklist

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/observability"
)

// Markers is the hot-path ban marker surface backed by the counter store.
type Markers interface {
	guard.CounterStore
	SetBanMarker(ctx context.Context, key, reason string, ttl time.Duration) error
	GetBanMarker(ctx context.Context, key string) (string, bool, error)
	DeleteBanMarker(ctx context.Context, key string) error
}

// Provider is the durable ban surface the guard escalates into.
type Provider interface {
	BanEntry(ctx context.Context, identityKey string) (*guard.BanEntry, error)
	BanHistory(ctx context.Context, identityKey string) (*guard.BanEntry, error)
	UpsertBan(ctx context.Context, entry guard.BanEntry) error
	RemoveBan(ctx context.Context, identityKey string) error
}

// Config tunes the escalation state machine. All thresholds and durations
// are configuration so deployments can pick their own tolerance.
type Config struct {
	// ViolationThreshold is how many violations inside EscalationWindow move
	// an identity from watched to banned.
	ViolationThreshold int64
	// EscalationWindow is the rolling window violations are counted in.
	EscalationWindow time.Duration
	// BaseBanDuration is the first ban's length. Each repeat ban multiplies
	// it by BackoffFactor^banCount, capped at MaxBanDuration.
	BaseBanDuration time.Duration
	BackoffFactor   float64
	MaxBanDuration  time.Duration
	// PermanentAfter bans permanently once an identity has been banned this
	// many times. Zero disables permanent escalation.
	PermanentAfter int
	// CriticalSeverity is the minimum suspicious-event severity that bans
	// immediately, bypassing watched accumulation.
	CriticalSeverity guard.Severity
	// FailClosed denies requests when the ban list is unreachable. Off by
	// default: an outage of the config store should not take the API down.
	FailClosed bool
	// MarkerTTLCap bounds the marker TTL so a removed ban un-sticks within
	// this horizon even if the delete never reached the marker cache.
	MarkerTTLCap time.Duration
}

// DefaultConfig returns the production escalation defaults.
func DefaultConfig() Config {
	return Config{
		ViolationThreshold: 5,
		EscalationWindow:   10 * time.Minute,
		BaseBanDuration:    15 * time.Minute,
		BackoffFactor:      2,
		MaxBanDuration:     7 * 24 * time.Hour,
		PermanentAfter:     0,
		CriticalSeverity:   guard.SeverityCritical,
		MarkerTTLCap:       time.Hour,
	}
}

// CheckResult is the verdict of a ban lookup.
type CheckResult struct {
	Banned     bool
	Entry      *guard.BanEntry // nil for marker-only hits and degraded denies
	Reason     string
	RetryAfter time.Duration // zero for permanent bans
	Degraded   bool          // store failure resolved by the fail policy
}

const shardCount = 64

// Guard implements the ban check and escalation policy. Ban-state
// transitions are serialized per identity through striped locks so
// concurrent violations crossing the threshold escalate exactly once.
type Guard struct {
	cfg       Config
	markers   Markers
	provider  Provider
	ledger    guard.ActivityLedger
	publisher guard.EventPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	shards [shardCount]sync.Mutex
}

// New creates the guard. publisher and metrics may be nil.
func New(cfg Config, markers Markers, provider Provider, ledger guard.ActivityLedger, publisher guard.EventPublisher, metrics *observability.Metrics, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MarkerTTLCap <= 0 {
		cfg.MarkerTTLCap = time.Hour
	}
	return &Guard{
		cfg:       cfg,
		markers:   markers,
		provider:  provider,
		ledger:    ledger,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the guard clock for tests.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func (g *Guard) shard(identityKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identityKey))
	return &g.shards[h.Sum32()%shardCount]
}

// IsBanned answers the fast-path ban check. The marker cache resolves the
// common cases with a single lookup; misses read through to the durable
// ban list and repopulate the marker.
func (g *Guard) IsBanned(ctx context.Context, identityKey string) CheckResult {
	now := g.now()

	marker, found, err := g.markers.GetBanMarker(ctx, identityKey)
	if err != nil {
		g.logger.Warn("ban marker read degraded", zap.Error(err))
	} else if found {
		reason, retry := decodeMarker(marker, now)
		return CheckResult{Banned: true, Reason: reason, RetryAfter: retry}
	}

	entry, err := g.provider.BanEntry(ctx, identityKey)
	if err != nil {
		return g.degradedCheck(err)
	}
	if entry == nil || !entry.ActiveAt(now) {
		return CheckResult{}
	}

	g.writeMarker(ctx, *entry, now)
	return CheckResult{
		Banned:     true,
		Entry:      entry,
		Reason:     entry.Reason,
		RetryAfter: entry.Remaining(now),
	}
}

// RecordViolation counts a violation toward escalation. The counter lives in
// the counter store so every instance sees the same tally; the crossing
// itself fires only when the count lands exactly on the threshold, which the
// atomic increment guarantees happens once per window.
func (g *Guard) RecordViolation(ctx context.Context, v guard.Violation) {
	identityKey := v.IdentityID
	if identityKey == "" {
		return
	}

	count, err := g.markers.IncrementAndGet(ctx, escalationKey(identityKey, g.now(), g.cfg.EscalationWindow), g.cfg.EscalationWindow)
	if err != nil {
		g.logger.Warn("escalation count degraded, violation not tallied",
			zap.String("identity_key", identityKey), zap.Error(err))
		return
	}
	if count < g.cfg.ViolationThreshold {
		return
	}
	if count > g.cfg.ViolationThreshold {
		// Threshold already crossed this window; the ban is in place.
		return
	}

	g.escalate(ctx, identityKey, count, fmt.Sprintf("%d rate limit violations within %s", count, g.cfg.EscalationWindow))
}

// HandleSuspicious applies the severity policy to a detector finding:
// at or above the configured severity the identity is banned immediately.
func (g *Guard) HandleSuspicious(ctx context.Context, ev guard.SuspiciousEvent) {
	if !ev.Severity.AtLeast(g.cfg.CriticalSeverity) {
		return
	}
	g.escalate(ctx, ev.IdentityKey, 0, "suspicious activity: "+ev.Pattern)
}

// Ban creates an administrative ban, bypassing escalation counting.
func (g *Guard) Ban(ctx context.Context, identityKey, reason, createdBy string, duration time.Duration) (guard.BanEntry, error) {
	mu := g.shard(identityKey)
	mu.Lock()
	defer mu.Unlock()

	now := g.now()
	entry := guard.BanEntry{
		IdentityKey: identityKey,
		Reason:      reason,
		CreatedAt:   now,
		CreatedBy:   createdBy,
	}
	if history, err := g.provider.BanHistory(ctx, identityKey); err == nil && history != nil {
		entry.BanCount = history.BanCount
		entry.ViolationCount = history.ViolationCount
	}
	entry.BanCount++
	if duration > 0 {
		expires := now.Add(duration)
		entry.ExpiresAt = &expires
	}
	if err := g.provider.UpsertBan(ctx, entry); err != nil {
		return guard.BanEntry{}, err
	}
	if g.metrics != nil {
		g.metrics.RecordBan("admin")
	}
	g.writeMarker(ctx, entry, now)
	g.publish(entry)
	return entry, nil
}

// Unban removes a ban and its hot marker.
func (g *Guard) Unban(ctx context.Context, identityKey string) error {
	mu := g.shard(identityKey)
	mu.Lock()
	defer mu.Unlock()

	if err := g.provider.RemoveBan(ctx, identityKey); err != nil {
		return err
	}
	if err := g.markers.DeleteBanMarker(ctx, identityKey); err != nil {
		g.logger.Warn("ban marker delete failed", zap.String("identity_key", identityKey), zap.Error(err))
	}
	return nil
}

// escalate performs the watched-to-banned transition under the identity's
// stripe lock: computes the backed-off duration from the ban history,
// persists the entry, seeds the marker, and fans the event out.
func (g *Guard) escalate(ctx context.Context, identityKey string, violations int64, reason string) {
	mu := g.shard(identityKey)
	mu.Lock()
	defer mu.Unlock()

	now := g.now()
	banCount := 0
	if history, err := g.provider.BanHistory(ctx, identityKey); err == nil && history != nil {
		if history.ActiveAt(now) {
			// Already banned; nothing to escalate.
			return
		}
		banCount = history.BanCount
	} else if err != nil {
		g.logger.Warn("ban history read failed, treating as first offense",
			zap.String("identity_key", identityKey), zap.Error(err))
	}

	entry := guard.BanEntry{
		IdentityKey:    identityKey,
		Reason:         reason,
		CreatedAt:      now,
		ViolationCount: violations,
		BanCount:       banCount + 1,
		CreatedBy:      "escalation",
	}
	if g.cfg.PermanentAfter <= 0 || entry.BanCount < g.cfg.PermanentAfter {
		expires := now.Add(g.banDuration(banCount))
		entry.ExpiresAt = &expires
	}

	if err := g.provider.UpsertBan(ctx, entry); err != nil {
		g.logger.Error("ban upsert failed",
			zap.String("identity_key", identityKey), zap.Error(err))
		return
	}
	if g.metrics != nil {
		g.metrics.RecordBan("escalation")
	}
	g.writeMarker(ctx, entry, now)
	g.publish(entry)

	g.logger.Info("identity banned",
		zap.String("identity_key", identityKey),
		zap.String("reason", reason),
		zap.Int("ban_count", entry.BanCount),
		zap.Int64("violations", violations))
}

// banDuration applies exponential backoff over prior bans.
func (g *Guard) banDuration(priorBans int) time.Duration {
	d := float64(g.cfg.BaseBanDuration)
	for i := 0; i < priorBans; i++ {
		d *= g.cfg.BackoffFactor
		if time.Duration(d) >= g.cfg.MaxBanDuration {
			return g.cfg.MaxBanDuration
		}
	}
	if time.Duration(d) > g.cfg.MaxBanDuration {
		return g.cfg.MaxBanDuration
	}
	return time.Duration(d)
}

func (g *Guard) writeMarker(ctx context.Context, entry guard.BanEntry, now time.Time) {
	ttl := g.cfg.MarkerTTLCap
	if !entry.Permanent() {
		if remaining := entry.Remaining(now); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	if err := g.markers.SetBanMarker(ctx, entry.IdentityKey, encodeMarker(entry), ttl); err != nil {
		g.logger.Warn("ban marker write failed",
			zap.String("identity_key", entry.IdentityKey), zap.Error(err))
	}
}

func (g *Guard) publish(entry guard.BanEntry) {
	if g.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.publisher.PublishBan(ctx, entry); err != nil {
		g.logger.Warn("ban event publish failed",
			zap.String("identity_key", entry.IdentityKey), zap.Error(err))
	}
}

func (g *Guard) degradedCheck(err error) CheckResult {
	g.logger.Warn("ban lookup degraded",
		zap.Bool("fail_closed", g.cfg.FailClosed), zap.Error(err))
	if g.cfg.FailClosed {
		return CheckResult{Banned: true, Reason: "ban list unavailable", Degraded: true}
	}
	return CheckResult{Degraded: true}
}

// escalationKey buckets the violation tally by escalation window; the TTL
// on the counter approximates the rolling window.
func escalationKey(identityKey string, now time.Time, window time.Duration) string {
	bucket := now.Unix() / int64(window.Seconds())
	return fmt.Sprintf("esc:%s:%d", identityKey, bucket)
}

// Markers encode "reason|expiryUnix" so a marker hit can answer retry-after
// without touching the durable store. Expiry 0 means permanent.
func encodeMarker(entry guard.BanEntry) string {
	expiry := int64(0)
	if !entry.Permanent() {
		expiry = entry.ExpiresAt.Unix()
	}
	return entry.Reason + "|" + strconv.FormatInt(expiry, 10)
}

func decodeMarker(marker string, now time.Time) (reason string, retry time.Duration) {
	idx := strings.LastIndexByte(marker, '|')
	if idx < 0 {
		return marker, 0
	}
	reason = marker[:idx]
	expiry, err := strconv.ParseInt(marker[idx+1:], 10, 64)
	if err != nil || expiry == 0 {
		return reason, 0
	}
	if d := time.Unix(expiry, 0).Sub(now); d > 0 {
		retry = d
	}
	return reason, retry
}
