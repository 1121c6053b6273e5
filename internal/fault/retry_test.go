package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestRetryConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryConfig().Validate())

	bad := DefaultRetryConfig()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())

	bad = DefaultRetryConfig()
	bad.MaxInterval = bad.InitialInterval / 2
	assert.Error(t, bad.Validate())

	bad = DefaultRetryConfig()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(5), func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(4), func(context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 4, calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastRetryConfig(10), func(context.Context) error {
		calls++
		cancel()
		return errBoom
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "a canceled context stops further attempts")
}

func TestRetryCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The first attempt still runs; the backoff wait then observes the cancel.
	err := Retry(ctx, fastRetryConfig(3), func(context.Context) error {
		return errors.New("transient")
	})
	assert.Error(t, err)
}
