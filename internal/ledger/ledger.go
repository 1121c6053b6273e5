package ledger

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/fault"
	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/observability"
)

// PointWriter is the slice of the InfluxDB blocking write API the flusher
// needs; tests substitute an in-memory implementation.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config tunes the queue and flusher.
type Config struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	Retry         fault.RetryConfig
}

// DefaultConfig returns the ledger pipeline defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 8192,
		BatchSize:     200,
		FlushInterval: 2 * time.Second,
		FlushTimeout:  10 * time.Second,
		Retry:         fault.DefaultRetryConfig(),
	}
}

// Ledger implements guard.ActivityLedger. Records are enqueued without
// blocking and flushed in batches on a size or timer trigger. A failed flush
// is retried with backoff; a batch may therefore be written more than once
// after a transient failure, which downstream consumers must tolerate as
// at-most-once duplication.
type Ledger struct {
	writer  PointWriter
	cfg     Config
	queue   *Queue
	metrics *observability.Metrics
	logger  *zap.Logger

	kick   chan struct{}
	stop   chan struct{}
	doneWG sync.WaitGroup
}

// New creates the ledger pipeline and starts its flusher. metrics may be nil.
func New(writer PointWriter, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	var onDrop func()
	if metrics != nil {
		onDrop = metrics.RecordLedgerDrop
	}
	l := &Ledger{
		writer:  writer,
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueCapacity, onDrop),
		metrics: metrics,
		logger:  logger,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	l.doneWG.Add(1)
	go l.flushLoop()
	return l
}

// RecordActivity enqueues an activity record. Never blocks.
func (l *Ledger) RecordActivity(rec guard.ActivityRecord) {
	l.push(Record{Kind: KindActivity, Activity: rec})
}

// RecordViolation enqueues a violation. Never blocks.
func (l *Ledger) RecordViolation(v guard.Violation) {
	l.push(Record{Kind: KindViolation, Violation: v})
}

// RecordSuspicious enqueues a suspicious-activity event. Never blocks.
func (l *Ledger) RecordSuspicious(ev guard.SuspiciousEvent) {
	l.push(Record{Kind: KindSuspicious, Suspicious: ev})
}

// Dropped returns how many records backpressure has discarded.
func (l *Ledger) Dropped() uint64 { return l.queue.Dropped() }

// Close flushes remaining records and stops the flusher.
func (l *Ledger) Close() {
	close(l.stop)
	l.doneWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
	defer cancel()
	l.flush(ctx)
}

func (l *Ledger) push(rec Record) {
	l.queue.Push(rec)
	if l.metrics != nil {
		l.metrics.SetLedgerQueueDepth(l.queue.Len())
	}
	if l.queue.Len() >= l.cfg.BatchSize {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

func (l *Ledger) flushLoop() {
	defer l.doneWG.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		case <-l.kick:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
		l.flush(ctx)
		cancel()
	}
}

func (l *Ledger) flush(ctx context.Context) {
	for {
		batch := l.queue.Drain(l.cfg.BatchSize)
		if l.metrics != nil {
			l.metrics.SetLedgerQueueDepth(l.queue.Len())
		}
		if len(batch) == 0 {
			return
		}

		points := make([]*write.Point, 0, len(batch))
		for _, rec := range batch {
			points = append(points, toPoint(rec))
		}

		err := fault.Retry(ctx, l.cfg.Retry, func(ctx context.Context) error {
			return l.writer.WritePoint(ctx, points...)
		})
		if err != nil {
			// The batch is lost; analytics writes must never feed back into
			// the request path, so there is nothing to propagate.
			l.logger.Error("ledger flush failed", zap.Int("batch", len(batch)), zap.Error(err))
			if l.metrics != nil {
				l.metrics.RecordLedgerFlush("error")
			}
			return
		}
		if l.metrics != nil {
			l.metrics.RecordLedgerFlush("ok")
		}
	}
}

func toPoint(rec Record) *write.Point {
	switch rec.Kind {
	case KindViolation:
		v := rec.Violation
		return influxdb2.NewPoint(
			"rate_limit_violations",
			map[string]string{
				"scope":   string(v.Scope),
				"rule_id": v.RuleID,
			},
			map[string]interface{}{
				"id":             v.ID,
				"scope_key":      v.ScopeKey,
				"limit":          v.Limit,
				"count":          v.Count,
				"window_seconds": int64(v.Window.Seconds()),
				"user_id":        v.UserID,
				"client_ip":      v.ClientIP,
				"endpoint":       v.Endpoint,
				"identity_key":   v.IdentityID,
			},
			v.Timestamp,
		)
	case KindSuspicious:
		ev := rec.Suspicious
		return influxdb2.NewPoint(
			"suspicious_activity",
			map[string]string{
				"pattern":  ev.Pattern,
				"severity": string(ev.Severity),
			},
			map[string]interface{}{
				"id":           ev.ID,
				"identity_key": ev.IdentityKey,
				"client_ip":    ev.ClientIP,
				"user_id":      ev.UserID,
				"path":         ev.Path,
				"evidence":     ev.Evidence,
			},
			ev.Timestamp,
		)
	default:
		a := rec.Activity
		return influxdb2.NewPoint(
			"activity",
			map[string]string{
				"method":   a.Method,
				"reason":   string(a.Reason),
				"allowed":  boolTag(a.Allowed),
				"degraded": boolTag(a.Degraded),
			},
			map[string]interface{}{
				"event_id":     a.EventID,
				"path":         a.Path,
				"client_ip":    a.ClientIP,
				"user_id":      a.UserID,
				"status_code":  a.StatusCode,
				"latency_ms":   float64(a.Latency) / float64(time.Millisecond),
				"user_agent":   a.UserAgent,
				"identity_key": a.IdentityKey,
			},
			a.Timestamp,
		)
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
