package guard

import (
	"context"
	"time"
)

// CounterStore is the low-latency TTL counter store behind the engine.
// IncrementAndGet must be a single atomic operation: a two-step
// read-then-write races at the limit boundary.
type CounterStore interface {
	// IncrementAndGet atomically increments the counter at key and returns the
	// post-increment value. TTL is applied only when the key is created.
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// DecisionCache caches short-lived allow/deny verdicts by scope key so hot
// offenders are rejected without counter reads.
type DecisionCache interface {
	// GetDecision returns the cached verdict and whether one was present.
	// A denied verdict carries the time left until its window reopens.
	GetDecision(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, found bool, err error)
	// SetAllowed caches an allow verdict for ttl.
	SetAllowed(ctx context.Context, key string, ttl time.Duration) error
	// SetDenied caches a deny verdict until the window reopens.
	SetDenied(ctx context.Context, key string, ttl time.Duration) error
}

// ConfigProvider is read-through access to durable rules, overrides,
// and the ban list.
type ConfigProvider interface {
	// Rules returns the active rules for a scope type, ordered by creation.
	Rules(ctx context.Context, scope ScopeType) ([]Rule, error)
	// Override returns the unexpired override for a user and path, or nil.
	Override(ctx context.Context, userID, path string) (*Override, error)
	// BanEntry returns the ban for an identity key, or nil when not banned.
	BanEntry(ctx context.Context, identityKey string) (*BanEntry, error)
	// UpsertBan creates or replaces a ban entry.
	UpsertBan(ctx context.Context, entry BanEntry) error
	// RemoveBan deletes a ban entry.
	RemoveBan(ctx context.Context, identityKey string) error
}

// ActivityLedger is the append-only analytical sink. The record methods are
// asynchronous and never block or fail the request path: on backpressure the
// oldest queued record is dropped and counted.
type ActivityLedger interface {
	RecordActivity(rec ActivityRecord)
	RecordViolation(v Violation)
	RecordSuspicious(ev SuspiciousEvent)
}

// EventPublisher fans escalation and suspicious-activity events out to
// interested consumers (security tooling, alerting).
type EventPublisher interface {
	PublishBan(ctx context.Context, entry BanEntry) error
	PublishSuspicious(ctx context.Context, ev SuspiciousEvent) error
}

// ViolationSink receives violations discovered by the engine so escalation
// counting stays accurate under load.
type ViolationSink interface {
	RecordViolation(ctx context.Context, v Violation)
}
