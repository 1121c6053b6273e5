package counterstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auth-platform/traffic-guard/internal/fault"
	"github.com/auth-platform/traffic-guard/internal/guard"
)

// flakyStore fails every operation while broken is set.
type flakyStore struct {
	*MemoryStore
	broken bool
}

var errConn = errors.New("connection refused")

func (f *flakyStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.broken {
		return 0, errConn
	}
	return f.MemoryStore.IncrementAndGet(ctx, key, ttl)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.broken {
		return errConn
	}
	return nil
}

func newProtected(t *testing.T) (*Protected, *flakyStore) {
	t.Helper()
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	breaker, err := fault.NewCircuitBreaker(fault.BreakerConfig{
		Name:             "counter-store",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
	})
	require.NoError(t, err)
	return NewProtected(inner, breaker, nil), inner
}

func TestProtectedPassesThrough(t *testing.T) {
	p, _ := newProtected(t)
	ctx := context.Background()

	got, err := p.IncrementAndGet(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	require.NoError(t, p.SetDenied(ctx, "d", time.Minute))
	allowed, retry, found, err := p.GetDecision(ctx, "d")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, allowed)
	assert.Positive(t, retry)

	require.NoError(t, p.SetBanMarker(ctx, "b", "reason", time.Minute))
	reason, found, err := p.GetBanMarker(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "reason", reason)
	require.NoError(t, p.DeleteBanMarker(ctx, "b"))

	require.NoError(t, p.Ping(ctx))
	assert.Equal(t, fault.StateClosed, p.CircuitState())
}

func TestProtectedClassifiesFailures(t *testing.T) {
	p, inner := newProtected(t)
	inner.broken = true

	_, err := p.IncrementAndGet(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.True(t, guard.IsStoreUnavailable(err))
	assert.ErrorIs(t, err, errConn, "the cause stays on the chain")
}

func TestProtectedTripsBreaker(t *testing.T) {
	p, inner := newProtected(t)
	inner.broken = true
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.IncrementAndGet(ctx, "k", time.Minute)
		require.Error(t, err)
	}
	assert.Equal(t, fault.StateOpen, p.CircuitState())

	// Rejections fail fast and map to the circuit-open code, which the
	// engine still treats as store-unavailable.
	inner.broken = false
	_, err := p.IncrementAndGet(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, guard.ErrCircuitOpen)
	assert.True(t, guard.IsStoreUnavailable(err))
}
