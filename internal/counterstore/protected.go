package counterstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/fault"
	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Store is the full counter-store surface: atomic counters, the short-lived
// decision cache, and hot ban markers.
type Store interface {
	guard.CounterStore
	guard.DecisionCache
	SetBanMarker(ctx context.Context, key, reason string, ttl time.Duration) error
	GetBanMarker(ctx context.Context, key string) (string, bool, error)
	DeleteBanMarker(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Protected wraps a Store with circuit breaker protection so a dead Redis
// fails fast instead of adding a connect timeout to every request.
type Protected struct {
	store   Store
	breaker *fault.CircuitBreaker
	logger  *zap.Logger
}

// NewProtected creates a breaker-protected counter store.
func NewProtected(store Store, breaker *fault.CircuitBreaker, logger *zap.Logger) *Protected {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protected{store: store, breaker: breaker, logger: logger}
}

// IncrementAndGet increments through the breaker. Breaker rejections surface
// as circuit-open guard errors so the engine can apply its fail-open policy.
func (p *Protected) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		count, err = p.store.IncrementAndGet(ctx, key, ttl)
		return err
	})
	if err != nil {
		return 0, p.classify(ctx, "counter increment", err)
	}
	return count, nil
}

// GetDecision reads the decision cache through the breaker.
func (p *Protected) GetDecision(ctx context.Context, key string) (bool, time.Duration, bool, error) {
	var (
		allowed, found bool
		retry          time.Duration
	)
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		allowed, retry, found, err = p.store.GetDecision(ctx, key)
		return err
	})
	if err != nil {
		return false, 0, false, p.classify(ctx, "decision read", err)
	}
	return allowed, retry, found, nil
}

// SetAllowed writes through the breaker.
func (p *Protected) SetAllowed(ctx context.Context, key string, ttl time.Duration) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.store.SetAllowed(ctx, key, ttl)
	})
	if err != nil {
		return p.classify(ctx, "decision write", err)
	}
	return nil
}

// SetDenied writes through the breaker.
func (p *Protected) SetDenied(ctx context.Context, key string, ttl time.Duration) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.store.SetDenied(ctx, key, ttl)
	})
	if err != nil {
		return p.classify(ctx, "decision write", err)
	}
	return nil
}

// SetBanMarker writes through the breaker.
func (p *Protected) SetBanMarker(ctx context.Context, key, reason string, ttl time.Duration) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.store.SetBanMarker(ctx, key, reason, ttl)
	})
	if err != nil {
		return p.classify(ctx, "ban marker write", err)
	}
	return nil
}

// GetBanMarker reads through the breaker.
func (p *Protected) GetBanMarker(ctx context.Context, key string) (string, bool, error) {
	var reason string
	var found bool
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		reason, found, err = p.store.GetBanMarker(ctx, key)
		return err
	})
	if err != nil {
		return "", false, p.classify(ctx, "ban marker read", err)
	}
	return reason, found, nil
}

// DeleteBanMarker deletes through the breaker.
func (p *Protected) DeleteBanMarker(ctx context.Context, key string) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.store.DeleteBanMarker(ctx, key)
	})
	if err != nil {
		return p.classify(ctx, "ban marker delete", err)
	}
	return nil
}

// Ping checks connectivity through the breaker.
func (p *Protected) Ping(ctx context.Context) error {
	return p.breaker.Execute(ctx, p.store.Ping)
}

// Close closes the underlying store.
func (p *Protected) Close() error { return p.store.Close() }

// CircuitState returns the breaker state for health reporting.
func (p *Protected) CircuitState() fault.State { return p.breaker.State() }

func (p *Protected) classify(ctx context.Context, op string, err error) error {
	if fault.IsCircuitOpen(err) {
		p.logger.Warn("counter store circuit open", zap.String("operation", op))
		return guard.WrapError(guard.ErrCircuitOpen, op+" rejected", err)
	}
	p.logger.Error("counter store operation failed", zap.String("operation", op), zap.Error(err))
	if guard.IsStoreUnavailable(err) {
		return err
	}
	return guard.WrapError(guard.ErrStoreUnavailable, op+" failed", err)
}
