// Package interceptor is the request-path orchestrator: it composes the ban
// check, the rate-limit engine, the suspicious-activity detector, and the
// activity ledger into a single verdict per request. Only the ban check and
// the quota decision run inline; everything else is dispatched to background
// workers so it never delays the response.
package interceptor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/blacklist"
	"github.com/auth-platform/traffic-guard/internal/detector"
	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/observability"
	"github.com/auth-platform/traffic-guard/internal/ratelimit"
	"github.com/auth-platform/traffic-guard/internal/worker"
)

// Config tunes the interceptor's background dispatch.
type Config struct {
	DetectorWorkers   int
	DetectorQueueSize int
	// ViolationTimeout bounds each off-path escalation report.
	ViolationTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DetectorWorkers:   4,
		DetectorQueueSize: 4096,
		ViolationTimeout:  5 * time.Second,
	}
}

// Interceptor evaluates requests and records their outcomes.
type Interceptor struct {
	cfg        Config
	bans       *blacklist.Guard
	engine     *ratelimit.Engine
	detect     *detector.Detector
	ledger     guard.ActivityLedger
	publisher  guard.EventPublisher
	metrics    *observability.Metrics
	logger     *zap.Logger
	detectPool *worker.Pool[guard.ActivityRecord]
	violPool   *worker.Pool[guard.Violation]
}

// New creates the interceptor and starts its background pools. publisher
// and metrics may be nil when no broker or metrics registry is configured.
func New(cfg Config, bans *blacklist.Guard, engine *ratelimit.Engine, detect *detector.Detector, ledger guard.ActivityLedger, publisher guard.EventPublisher, metrics *observability.Metrics, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ViolationTimeout <= 0 {
		cfg.ViolationTimeout = 5 * time.Second
	}
	ic := &Interceptor{
		cfg:       cfg,
		bans:      bans,
		engine:    engine,
		detect:    detect,
		ledger:    ledger,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
	ic.detectPool = worker.New[guard.ActivityRecord](cfg.DetectorWorkers, cfg.DetectorQueueSize, ic.runDetection, logger)
	ic.violPool = worker.New[guard.Violation](2, cfg.DetectorQueueSize, ic.reportViolation, logger)
	return ic
}

// Evaluate runs the inline decision path: ban check first, then quota.
// Every path resolves to a Decision; store failures degrade, never error.
func (ic *Interceptor) Evaluate(ctx context.Context, rc guard.RequestContext) guard.Decision {
	start := time.Now()
	decision := ic.decide(ctx, rc)
	if ic.metrics != nil {
		ic.metrics.RecordDecision(string(decision.Reason), decision.Allow, time.Since(start).Seconds())
		if decision.Degraded {
			policy := "fail_closed"
			if decision.Allow {
				policy = "fail_open"
			}
			ic.metrics.RecordDegraded(policy)
		}
	}
	return decision
}

func (ic *Interceptor) decide(ctx context.Context, rc guard.RequestContext) guard.Decision {
	check := ic.bans.IsBanned(ctx, rc.IdentityKey())
	if check.Banned {
		return guard.Decision{
			Allow:      false,
			Reason:     guard.ReasonBanned,
			RetryAfter: check.RetryAfter,
			Degraded:   check.Degraded,
		}
	}

	decision, violation := ic.engine.Check(ctx, rc)
	decision.Degraded = decision.Degraded || check.Degraded

	if violation != nil {
		if ic.metrics != nil {
			ic.metrics.RecordViolation(string(violation.Scope))
		}
		ic.ledger.RecordViolation(*violation)
		if !ic.violPool.Submit(*violation) {
			ic.logger.Warn("violation report queue full",
				zap.String("identity_key", violation.IdentityID))
		}
	}
	return decision
}

// RecordOutcome is called after the response is written. It appends the
// activity record to the ledger and hands it to the detection workers.
func (ic *Interceptor) RecordOutcome(rec guard.ActivityRecord) {
	ic.ledger.RecordActivity(rec)
	if ic.detect != nil && !ic.detectPool.Submit(rec) && ic.metrics != nil {
		ic.metrics.RecordDetectorDrop()
	}
}

// DetectorStats exposes detection pool counters for health reporting.
func (ic *Interceptor) DetectorStats() worker.Stats { return ic.detectPool.Stats() }

// Close drains the background pools.
func (ic *Interceptor) Close() {
	ic.detectPool.Shutdown(10 * time.Second)
	ic.violPool.Shutdown(10 * time.Second)
}

func (ic *Interceptor) reportViolation(ctx context.Context, v guard.Violation) {
	ctx, cancel := context.WithTimeout(ctx, ic.cfg.ViolationTimeout)
	defer cancel()
	ic.bans.RecordViolation(ctx, v)
}

func (ic *Interceptor) runDetection(ctx context.Context, rec guard.ActivityRecord) {
	for _, ev := range ic.detect.Observe(rec) {
		if ic.metrics != nil {
			ic.metrics.RecordSuspicious(ev.Pattern, string(ev.Severity))
		}
		ic.ledger.RecordSuspicious(ev)

		evCtx, cancel := context.WithTimeout(ctx, ic.cfg.ViolationTimeout)
		ic.bans.HandleSuspicious(evCtx, ev)
		if ic.publisher != nil {
			if err := ic.publisher.PublishSuspicious(evCtx, ev); err != nil {
				ic.logger.Warn("suspicious event publish failed",
					zap.String("pattern", ev.Pattern), zap.Error(err))
			}
		}
		cancel()

		ic.logger.Info("suspicious activity detected",
			zap.String("identity_key", ev.IdentityKey),
			zap.String("pattern", ev.Pattern),
			zap.String("severity", string(ev.Severity)))
	}
}
