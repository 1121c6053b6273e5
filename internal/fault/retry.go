package fault

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior with exponential backoff and full jitter.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the retry settings used for ledger flushes and
// broker publishes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.InitialInterval <= 0 || c.MaxInterval < c.InitialInterval {
		return errors.New("intervals must be positive and ordered")
	}
	if c.Multiplier < 1 {
		return errors.New("multiplier must be >= 1")
	}
	return nil
}

// Retry runs op until it succeeds, attempts run out, or the context ends.
// The last error is returned when all attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	interval := cfg.InitialInterval
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			// Full jitter: sleep a uniformly random slice of the backoff interval.
			sleep := time.Duration(rand.Int63n(int64(interval) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			interval = time.Duration(float64(interval) * cfg.Multiplier)
			if interval > cfg.MaxInterval {
				interval = cfg.MaxInterval
			}
		}

		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
