package counterstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process counter store for single-node deployments and
// tests. Counters are per-process: shards do not share windows, which is the
// accepted per-shard consistency model.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	markers  map[string]memMarker
	now      func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

type memMarker struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		markers:  make(map[string]memMarker),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// IncrementAndGet atomically increments the counter at key under one lock,
// creating it with the TTL when absent or expired.
func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// GetDecision returns a cached verdict for the scope key.
func (s *MemoryStore) GetDecision(_ context.Context, key string) (bool, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.liveMarker(key)
	if !ok {
		return false, 0, false, nil
	}
	allowed, retry := decodeDecision(m.value, s.now())
	return allowed, retry, true, nil
}

// SetAllowed caches an allow verdict.
func (s *MemoryStore) SetAllowed(_ context.Context, key string, ttl time.Duration) error {
	s.setMarker(key, "A", ttl)
	return nil
}

// SetDenied caches a deny verdict.
func (s *MemoryStore) SetDenied(_ context.Context, key string, ttl time.Duration) error {
	s.setMarker(key, encodeDenied(s.now().Add(ttl)), ttl)
	return nil
}

// SetBanMarker caches a ban reason. Zero ttl means no expiry.
func (s *MemoryStore) SetBanMarker(_ context.Context, key, reason string, ttl time.Duration) error {
	s.setMarker(key, reason, ttl)
	return nil
}

// GetBanMarker returns the cached ban reason, if any.
func (s *MemoryStore) GetBanMarker(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.liveMarker(key)
	if !ok {
		return "", false, nil
	}
	return m.value, true, nil
}

// DeleteBanMarker drops the cached ban marker.
func (s *MemoryStore) DeleteBanMarker(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) setMarker(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := memMarker{value: value}
	if ttl > 0 {
		m.expiresAt = s.now().Add(ttl)
	}
	s.markers[key] = m
}

// liveMarker must be called with the lock held.
func (s *MemoryStore) liveMarker(key string) (memMarker, bool) {
	m, ok := s.markers[key]
	if !ok {
		return memMarker{}, false
	}
	if !m.expiresAt.IsZero() && s.now().After(m.expiresAt) {
		delete(s.markers, key)
		return memMarker{}, false
	}
	return m, true
}
