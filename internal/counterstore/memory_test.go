package counterstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func TestIncrementAndGet(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.IncrementAndGet(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := s.IncrementAndGet(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "keys are independent")
}

func TestIncrementResetsAfterTTL(t *testing.T) {
	s, now := newClockedStore()
	ctx := context.Background()

	_, err := s.IncrementAndGet(ctx, "k", time.Minute)
	require.NoError(t, err)

	*now = now.Add(61 * time.Second)
	got, err := s.IncrementAndGet(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "expired counter restarts from one")
}

func TestIncrementTTLFixedAtCreation(t *testing.T) {
	s, now := newClockedStore()
	ctx := context.Background()

	s.IncrementAndGet(ctx, "k", time.Minute)
	*now = now.Add(30 * time.Second)
	// Later increments must not slide the expiry forward.
	s.IncrementAndGet(ctx, "k", time.Minute)

	*now = now.Add(31 * time.Second)
	got, err := s.IncrementAndGet(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestIncrementConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementAndGet(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.IncrementAndGet(ctx, "shared", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(101), got, "no increments lost under contention")
}

func TestDecisionCache(t *testing.T) {
	s, now := newClockedStore()
	ctx := context.Background()

	_, _, found, err := s.GetDecision(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetAllowed(ctx, "d1", time.Second))
	allowed, retry, found, err := s.GetDecision(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, allowed)
	assert.Zero(t, retry)

	require.NoError(t, s.SetDenied(ctx, "d2", time.Minute))
	allowed, retry, found, err = s.GetDecision(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retry, "deny answers the window remainder")

	*now = now.Add(2 * time.Second)
	_, _, found, err = s.GetDecision(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, found, "allow verdicts expire")

	_, retry, found, err = s.GetDecision(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 58*time.Second, retry, "remainder shrinks as the window elapses")
}

func TestBanMarkers(t *testing.T) {
	s, now := newClockedStore()
	ctx := context.Background()

	require.NoError(t, s.SetBanMarker(ctx, "ip:1.1.1.1", "abuse|0", time.Minute))
	reason, found, err := s.GetBanMarker(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abuse|0", reason)

	require.NoError(t, s.DeleteBanMarker(ctx, "ip:1.1.1.1"))
	_, found, err = s.GetBanMarker(ctx, "ip:1.1.1.1")
	require.NoError(t, err)
	assert.False(t, found)

	// Zero TTL means the marker never expires on its own.
	require.NoError(t, s.SetBanMarker(ctx, "ip:2.2.2.2", "permanent", 0))
	*now = now.Add(24 * time.Hour)
	_, found, err = s.GetBanMarker(ctx, "ip:2.2.2.2")
	require.NoError(t, err)
	assert.True(t, found)
}
