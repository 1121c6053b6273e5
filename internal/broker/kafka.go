// Package broker publishes escalation and suspicious-activity events to
// Kafka so security tooling downstream can react to bans in near real time.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Config holds the Kafka publisher settings.
type Config struct {
	Brokers         []string
	BanTopic        string
	SuspiciousTopic string
}

// DefaultConfig returns the default topic layout.
func DefaultConfig(brokers []string) Config {
	return Config{
		Brokers:         brokers,
		BanTopic:        "traffic-guard.bans",
		SuspiciousTopic: "traffic-guard.suspicious",
	}
}

// KafkaPublisher implements guard.EventPublisher over a shared writer.
type KafkaPublisher struct {
	mu      sync.RWMutex
	writer  *kafka.Writer
	cfg     Config
	healthy bool
	closed  bool
}

// NewKafkaPublisher creates the publisher.
func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer, cfg: cfg, healthy: true}
}

// PublishBan sends a ban event keyed by identity so per-identity ordering
// is preserved within a partition.
func (p *KafkaPublisher) PublishBan(ctx context.Context, entry guard.BanEntry) error {
	return p.publish(ctx, p.cfg.BanTopic, entry.IdentityKey, entry)
}

// PublishSuspicious sends a suspicious-activity event.
func (p *KafkaPublisher) PublishSuspicious(ctx context.Context, ev guard.SuspiciousEvent) error {
	return p.publish(ctx, p.cfg.SuspiciousTopic, ev.IdentityKey, ev)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key string, payload any) error {
	p.mu.RLock()
	writer := p.writer
	closed := p.closed
	p.mu.RUnlock()

	if closed || writer == nil {
		return guard.NewError(guard.ErrCodeStoreUnavailable, "event broker closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Time:  time.Now(),
	})
	if err != nil {
		p.mu.Lock()
		p.healthy = false
		p.mu.Unlock()
		return guard.WrapError(guard.ErrStoreUnavailable, "failed to publish event", err)
	}

	p.mu.Lock()
	p.healthy = true
	p.mu.Unlock()
	return nil
}

// Healthy returns whether the last publish succeeded.
func (p *KafkaPublisher) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && !p.closed
}

// Close closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.healthy = false
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

// Noop is the publisher used when no broker is configured.
type Noop struct{}

// PublishBan drops the event.
func (Noop) PublishBan(context.Context, guard.BanEntry) error { return nil }

// PublishSuspicious drops the event.
func (Noop) PublishSuspicious(context.Context, guard.SuspiciousEvent) error { return nil }
