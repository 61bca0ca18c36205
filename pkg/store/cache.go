package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds the short-lived replay markers for the token exchange: a nonce
// is claimed at most once per agent for as long as its signature tolerance
// lasts. SetNX reports whether this call made the claim.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// RedisCache keeps the markers in redis so every gateway replica sees the
// same claims.
type RedisCache struct{ client *redis.Client }

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache is the single-replica fallback: markers live in process memory
// and lapse on their TTL. Replay protection is lost on restart, which the
// signature freshness check still bounds.
type MemoryCache struct {
	mu      sync.Mutex
	markers map[string]marker

	// now is swapped in tests to step the clock.
	now func() time.Time
}

type marker struct {
	value   string
	lapseAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{markers: map[string]marker{}, now: time.Now}
}

func (m *MemoryCache) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	if _, held := m.markers[key]; held {
		return false, nil
	}
	m.markers[key] = marker{value: value, lapseAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, key)
	return nil
}

func (m *MemoryCache) sweepLocked() {
	now := m.now()
	for key, mk := range m.markers {
		if now.After(mk.lapseAt) {
			delete(m.markers, key)
		}
	}
}

// NewCache prefers redis when a live client is handed in; without one the
// markers stay in process memory, which is only correct for a single
// replica.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client}
		}
	}
	return NewMemoryCache()
}
