package strategies

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const cursorKeyPrefix = "relaymux:rr:"

// MemoryCursorStore keeps round-robin cursors in memory. Entries expire
// after the configured TTL to bound memory across many scope keys.
type MemoryCursorStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryCursorStore creates an in-memory cursor store whose entries
// expire after ttl.
func NewMemoryCursorStore(ttl time.Duration) *MemoryCursorStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCursorStore{cache: gocache.New(ttl, 2*ttl)}
}

// NextIndex returns the next round-robin index for the key.
func (m *MemoryCursorStore) NextIndex(_ context.Context, key string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("modulo must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var next uint64
	if v, ok := m.cache.Get(key); ok {
		next = v.(uint64)
	}
	m.cache.Set(key, next+1, gocache.DefaultExpiration)
	// #nosec G115 -- modulo bounds the value; result fits in int.
	return int(next % uint64(modulo)), nil
}

// Reset clears the cursor for the key.
func (m *MemoryCursorStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key)
	return nil
}

// Close releases resources (no-op for the memory store).
func (m *MemoryCursorStore) Close() error {
	return nil
}

// RedisCursorStore keeps round-robin cursors in Redis so multiple
// scheduler instances rotate through the same sequence.
type RedisCursorStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCursorStore creates a Redis-backed cursor store.
func NewRedisCursorStore(client redis.UniversalClient, ttl time.Duration) *RedisCursorStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCursorStore{client: client, ttl: ttl}
}

// NextIndex returns the next round-robin index for the key.
func (r *RedisCursorStore) NextIndex(ctx context.Context, key string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("modulo must be positive")
	}
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	fullKey := cursorKeyPrefix + key
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	idx := (incr.Val() - 1) % int64(modulo)
	return int(idx), nil
}

// Reset clears the cursor for the key.
func (r *RedisCursorStore) Reset(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, cursorKeyPrefix+key).Err()
}

// Close releases resources (no-op, client is managed externally).
func (r *RedisCursorStore) Close() error {
	return nil
}
