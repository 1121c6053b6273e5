// Package counterstore provides the TTL counter store behind the rate-limit
// engine, backed by Redis or an in-process fallback.
package counterstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

const deniedMarker = "D"

// A cached deny stores "D|expiryUnix" so a cache hit can still answer the
// window remainder without touching the counters, mirroring the ban marker
// encoding.
func encodeDenied(until time.Time) string {
	return deniedMarker + "|" + strconv.FormatInt(until.Unix(), 10)
}

func decodeDecision(val string, now time.Time) (allowed bool, retry time.Duration) {
	rest, denied := strings.CutPrefix(val, deniedMarker+"|")
	if !denied {
		return val != deniedMarker, 0
	}
	expiry, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return false, 0
	}
	if d := time.Unix(expiry, 0).Sub(now); d > 0 {
		retry = d
	}
	return false, retry
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addresses    []string
	Password     string
	DB           int
	PoolSize     int
	ClusterMode  bool
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements guard.CounterStore and guard.DecisionCache on Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	} else {
		addr := "localhost:6379"
		if len(cfg.Addresses) > 0 {
			addr = cfg.Addresses[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	return &RedisStore{client: client}, nil
}

// IncrementAndGet atomically increments key and returns the new count.
// The expiry is attached only on first creation (NX) so a window's TTL is
// never extended by later increments within it.
func (s *RedisStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, guard.WrapError(guard.ErrStoreUnavailable, "counter increment failed", err)
	}
	return incr.Val(), nil
}

// GetDecision returns a cached verdict for the scope key.
func (s *RedisStore) GetDecision(ctx context.Context, key string) (bool, time.Duration, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, 0, false, nil
	}
	if err != nil {
		return false, 0, false, guard.WrapError(guard.ErrStoreUnavailable, "decision cache read failed", err)
	}
	allowed, retry := decodeDecision(val, time.Now())
	return allowed, retry, true, nil
}

// SetAllowed caches an allow verdict briefly.
func (s *RedisStore) SetAllowed(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "A", ttl).Err(); err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "decision cache write failed", err)
	}
	return nil
}

// SetDenied caches a deny verdict until the window reopens.
func (s *RedisStore) SetDenied(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, encodeDenied(time.Now().Add(ttl)), ttl).Err(); err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "decision cache write failed", err)
	}
	return nil
}

// SetBanMarker caches a ban reason under key for the ban's remaining life.
// A zero ttl stores the marker without expiry (permanent ban).
func (s *RedisStore) SetBanMarker(ctx context.Context, key, reason string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, reason, ttl).Err(); err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "ban marker write failed", err)
	}
	return nil
}

// GetBanMarker returns the cached ban reason, if any.
func (s *RedisStore) GetBanMarker(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, guard.WrapError(guard.ErrStoreUnavailable, "ban marker read failed", err)
	}
	return val, true, nil
}

// DeleteBanMarker drops the cached ban marker (administrative unban).
func (s *RedisStore) DeleteBanMarker(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "ban marker delete failed", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return guard.WrapError(guard.ErrStoreUnavailable, "redis ping failed", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
