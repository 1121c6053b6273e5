// Package guard defines the core domain types shared by the rate-limiting
// and abuse-escalation engine.
package guard

import (
	"fmt"
	"time"
)

// ScopeType identifies the dimension a rate limit or ban applies to.
// Precedence runs from most specific to least specific:
// user+endpoint > user > endpoint > ip > global.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeIP           ScopeType = "ip"
	ScopeEndpoint     ScopeType = "endpoint"
	ScopeUser         ScopeType = "user"
	ScopeUserEndpoint ScopeType = "user_endpoint"
)

// Precedence returns the evaluation rank of the scope type. Lower is more
// specific and wins attribution when several rules deny at once.
func (s ScopeType) Precedence() int {
	switch s {
	case ScopeUserEndpoint:
		return 0
	case ScopeUser:
		return 1
	case ScopeEndpoint:
		return 2
	case ScopeIP:
		return 3
	case ScopeGlobal:
		return 4
	default:
		return 5
	}
}

// Valid reports whether s is a known scope type.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeIP, ScopeEndpoint, ScopeUser, ScopeUserEndpoint:
		return true
	}
	return false
}

// RuleAction controls what happens when a rule's threshold is exceeded.
type RuleAction string

const (
	// ActionDeny rejects the request.
	ActionDeny RuleAction = "deny"
	// ActionDenyFlag rejects the request and emits a suspicious-activity event.
	ActionDenyFlag RuleAction = "deny_flag"
	// ActionDenyEscalate rejects the request and reports the violation for
	// ban escalation.
	ActionDenyEscalate RuleAction = "deny_escalate"
)

// Rule is a rate-limit configuration document. Rules are administered through
// the config store and read-only to the engine.
type Rule struct {
	ID            string        `json:"id" db:"id"`
	Scope         ScopeType     `json:"scope" db:"scope"`
	MaxRequests   int64         `json:"max_requests" db:"max_requests"`
	Window        time.Duration `json:"window_seconds" db:"window_seconds"`
	BurstMax      int64         `json:"burst_max,omitempty" db:"burst_max"`
	BurstWindow   time.Duration `json:"burst_window_seconds,omitempty" db:"burst_window_seconds"`
	Action        RuleAction    `json:"action" db:"action"`
	Active        bool          `json:"active" db:"active"`
	Description   string        `json:"description,omitempty" db:"description"`
	EndpointMatch string        `json:"endpoint,omitempty" db:"endpoint"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Validate checks the rule for administrative upserts.
func (r Rule) Validate() error {
	if !r.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, r.Scope)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be positive", ErrInvalidRule)
	}
	// Windows are second-granular: counter buckets divide by whole seconds.
	if r.Window < time.Second {
		return fmt.Errorf("%w: window must be at least one second", ErrInvalidRule)
	}
	if r.BurstMax > 0 && (r.BurstWindow < time.Second || r.BurstWindow >= r.Window) {
		return fmt.Errorf("%w: burst window must be at least one second and shorter than the main window", ErrInvalidRule)
	}
	switch r.Action {
	case ActionDeny, ActionDenyFlag, ActionDenyEscalate:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	return nil
}

// Override replaces the matched per-user rule for a specific user
// (and optionally path) until it expires.
type Override struct {
	ID          string        `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	Path        string        `json:"path" db:"path"` // "*" matches all paths
	MaxRequests int64         `json:"max_requests" db:"max_requests"`
	Window      time.Duration `json:"window_seconds" db:"window_seconds"`
	Reason      string        `json:"reason,omitempty" db:"reason"`
	CreatedBy   string        `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
}

// Expired reports whether the override is past its expiry at the given time.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

// RequestContext carries the per-request fields the engine evaluates.
type RequestContext struct {
	ClientIP  string
	UserID    string // empty when unauthenticated
	Method    string
	Path      string // normalized endpoint key
	UserAgent string
	Timestamp time.Time
}

// IdentityKey returns the key bans and escalation counting attach to:
// the authenticated user when present, otherwise the client IP.
func (rc RequestContext) IdentityKey() string {
	if rc.UserID != "" {
		return "user:" + rc.UserID
	}
	return "ip:" + rc.ClientIP
}

// Authenticated reports whether the request carried a valid user identity.
func (rc RequestContext) Authenticated() bool { return rc.UserID != "" }

// Reason classifies a decision outcome.
type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonRateLimited Reason = "rate_limited"
	ReasonBanned      Reason = "banned"
	ReasonFlagged     Reason = "flagged"
)

// Decision is the verdict returned to the caller. Every evaluation path
// resolves to a Decision; errors from the stores never escape as such.
type Decision struct {
	Allow       bool
	Reason      Reason
	RetryAfter  time.Duration // zero when allowed or permanently banned
	MatchedRule *Rule         // rule that denied, nil when allowed
	Count       int64         // observed count against the matched rule
	Degraded    bool          // a store failure forced a fail-open/fail-closed fallback
}

// Allowed is the decision for an unremarkable request.
func Allowed() Decision { return Decision{Allow: true, Reason: ReasonOK} }

// Violation is emitted when a counter exceeds its rule's threshold.
// Append-only, owned by the activity ledger.
type Violation struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	ScopeKey   string        `json:"scope_key"`
	Scope      ScopeType     `json:"scope"`
	RuleID     string        `json:"rule_id"`
	Limit      int64         `json:"limit"`
	Count      int64         `json:"count"`
	Window     time.Duration `json:"window_seconds"`
	UserID     string        `json:"user_id,omitempty"`
	ClientIP   string        `json:"client_ip,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	IdentityID string        `json:"identity_key"`
}

// BanState tags the escalation state of an identity.
type BanState string

const (
	// StateClean means no recent violations.
	StateClean BanState = "clean"
	// StateWatched means violations are accumulating inside the escalation window.
	StateWatched BanState = "watched"
	// StateBanned means the identity is rejected outright until expiry.
	StateBanned BanState = "banned"
)

// BanEntry is a persisted ban for one identity key.
type BanEntry struct {
	IdentityKey    string     `json:"identity_key" db:"identity_key"`
	Reason         string     `json:"reason" db:"reason"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"` // nil means permanent
	ViolationCount int64      `json:"violation_count" db:"violation_count"`
	BanCount       int        `json:"ban_count" db:"ban_count"` // how many times this identity has been banned
	CreatedBy      string     `json:"created_by,omitempty" db:"created_by"`
}

// Permanent reports whether the ban never expires.
func (b BanEntry) Permanent() bool { return b.ExpiresAt == nil }

// ActiveAt reports whether the ban is in force at the given time.
func (b BanEntry) ActiveAt(now time.Time) bool {
	return b.Permanent() || b.ExpiresAt.After(now)
}

// Remaining returns the ban time left at now, zero for permanent bans.
func (b BanEntry) Remaining(now time.Time) time.Duration {
	if b.Permanent() {
		return 0
	}
	d := b.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Severity grades a suspicious-activity finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// SuspiciousEvent is produced by the detector when a behavioral pattern matches.
type SuspiciousEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	IdentityKey string    `json:"identity_key"`
	Pattern     string    `json:"pattern"`
	Severity    Severity  `json:"severity"`
	Evidence    string    `json:"evidence,omitempty"`
	ClientIP    string    `json:"client_ip,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Path        string    `json:"path,omitempty"`
}

// ActivityRecord is one row per inbound request, immutable once written.
type ActivityRecord struct {
	EventID     string        `json:"event_id"`
	Timestamp   time.Time     `json:"timestamp"`
	UserID      string        `json:"user_id,omitempty"`
	ClientIP    string        `json:"client_ip"`
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	StatusCode  int           `json:"status_code"`
	Latency     time.Duration `json:"latency"`
	Allowed     bool          `json:"allowed"`
	Reason      Reason        `json:"reason"`
	Degraded    bool          `json:"degraded"`
	UserAgent   string        `json:"user_agent,omitempty"`
	IdentityKey string        `json:"identity_key"`
}

// AggregatedStat is a read-only rollup row served to the admin API.
type AggregatedStat struct {
	Day          time.Time `json:"day"`
	Dimension    string    `json:"dimension"` // path, ip, user, error_class
	Key          string    `json:"key"`
	RequestCount int64     `json:"request_count"`
	DeniedCount  int64     `json:"denied_count"`
	ErrorCount   int64     `json:"error_count"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
}
