package detector

import (
	"sync"
	"time"

	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/localcache"
)

// sample is one observed request, trimmed to what the rules inspect.
type sample struct {
	at     time.Time
	path   string
	status int
}

// identityHistory is a bounded ring of recent samples for one identity.
type identityHistory struct {
	mu      sync.Mutex
	samples []sample
	head    int
	size    int
}

func newIdentityHistory(capacity int) *identityHistory {
	return &identityHistory{samples: make([]sample, capacity)}
}

// add appends a sample, overwriting the oldest when the ring is full, and
// returns a snapshot of the samples newer than the cutoff.
func (h *identityHistory) add(s sample, cutoff time.Time) []sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.head] = s
	h.head = (h.head + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}

	recent := make([]sample, 0, h.size)
	for i := 0; i < h.size; i++ {
		idx := (h.head - 1 - i + len(h.samples)) % len(h.samples)
		if h.samples[idx].at.Before(cutoff) {
			break
		}
		recent = append(recent, h.samples[idx])
	}
	return recent
}

// tracker keys histories by identity with LRU bounds so an attacker cannot
// inflate memory by cycling identities.
type tracker struct {
	cache    *localcache.Cache[*identityHistory]
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
}

func newTracker(maxIdentities, ringCapacity int, ttl time.Duration) *tracker {
	return &tracker{
		cache: localcache.New[*identityHistory](localcache.Config{
			MaxSize:     maxIdentities,
			DefaultTTL:  ttl,
			CleanupTick: ttl,
		}),
		capacity: ringCapacity,
		ttl:      ttl,
	}
}

// observe records the request and returns the identity's recent samples.
func (t *tracker) observe(rec guard.ActivityRecord, cutoff time.Time) []sample {
	t.mu.Lock()
	h, ok := t.cache.Get(rec.IdentityKey)
	if !ok {
		h = newIdentityHistory(t.capacity)
	}
	// Refresh the TTL so active identities stay tracked.
	t.cache.Set(rec.IdentityKey, h, t.ttl)
	t.mu.Unlock()

	return h.add(sample{at: rec.Timestamp, path: rec.Path, status: rec.StatusCode}, cutoff)
}

func (t *tracker) close() { t.cache.Close() }
