// Package affinity pins logical client sessions to accounts. Entries
// carry a TTL fixed at bind time: hits never extend it, so long-lived
// sessions re-resolve eventually even under constant traffic.
package affinity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the default sticky-session lifetime.
const DefaultTTL = time.Hour

const redisKeyPrefix = "relaymux:affinity:"

// Entry is one sticky route.
type Entry struct {
	AccountID string    `json:"account_id"`
	BoundAt   time.Time `json:"bound_at"`
}

// Store persists session-to-account mappings.
type Store interface {
	// Lookup returns the mapping for the session key, if present and
	// unexpired.
	Lookup(ctx context.Context, sessionKey string) (*Entry, bool, error)

	// Bind creates a mapping with the given TTL. The TTL is fixed at
	// bind time and never refreshed.
	Bind(ctx context.Context, sessionKey, accountID string, ttl time.Duration) error

	// Evict removes the mapping for the session key.
	Evict(ctx context.Context, sessionKey string) error

	// EvictAccount removes every mapping bound to the account.
	EvictAccount(ctx context.Context, accountID string) error

	// Close releases resources held by the store.
	Close() error
}

// HashSessionKey derives the table key from a caller-supplied session
// identifier so raw identifiers never leave the process.
func HashSessionKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps sticky routes in memory.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates an in-memory affinity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: gocache.New(DefaultTTL, 10*time.Minute)}
}

// Lookup returns the mapping for the session key.
func (m *MemoryStore) Lookup(_ context.Context, sessionKey string) (*Entry, bool, error) {
	v, ok := m.cache.Get(sessionKey)
	if !ok {
		return nil, false, nil
	}
	return v.(*Entry), true, nil
}

// Bind creates a mapping with the given TTL.
func (m *MemoryStore) Bind(_ context.Context, sessionKey, accountID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.cache.Set(sessionKey, &Entry{AccountID: accountID, BoundAt: time.Now()}, ttl)
	return nil
}

// Evict removes the mapping for the session key.
func (m *MemoryStore) Evict(_ context.Context, sessionKey string) error {
	m.cache.Delete(sessionKey)
	return nil
}

// EvictAccount removes every mapping bound to the account.
func (m *MemoryStore) EvictAccount(_ context.Context, accountID string) error {
	for key, item := range m.cache.Items() {
		if e, ok := item.Object.(*Entry); ok && e.AccountID == accountID {
			m.cache.Delete(key)
		}
	}
	return nil
}

// Close releases resources (no-op for the memory store).
func (m *MemoryStore) Close() error { return nil }

// NopStore disables session affinity: lookups always miss and binds
// are dropped.
type NopStore struct{}

// NewNopStore creates a store that never pins sessions.
func NewNopStore() *NopStore { return &NopStore{} }

// Lookup always misses.
func (*NopStore) Lookup(context.Context, string) (*Entry, bool, error) { return nil, false, nil }

// Bind drops the mapping.
func (*NopStore) Bind(context.Context, string, string, time.Duration) error { return nil }

// Evict is a no-op.
func (*NopStore) Evict(context.Context, string) error { return nil }

// EvictAccount is a no-op.
func (*NopStore) EvictAccount(context.Context, string) error { return nil }

// Close is a no-op.
func (*NopStore) Close() error { return nil }

// RedisStore keeps sticky routes in Redis so multiple scheduler
// instances agree on session pinning.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed affinity store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Lookup returns the mapping for the session key.
func (r *RedisStore) Lookup(ctx context.Context, sessionKey string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+sessionKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// Bind creates a mapping with the given TTL.
func (r *RedisStore) Bind(ctx context.Context, sessionKey, accountID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(&Entry{AccountID: accountID, BoundAt: time.Now()})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+sessionKey, raw, ttl).Err()
}

// Evict removes the mapping for the session key.
func (r *RedisStore) Evict(ctx context.Context, sessionKey string) error {
	return r.client.Del(ctx, redisKeyPrefix+sessionKey).Err()
}

// EvictAccount scans the affinity keyspace and removes mappings bound
// to the account. Session cardinality is bounded by the TTL, so a scan
// is acceptable here.
func (r *RedisStore) EvictAccount(ctx context.Context, accountID string) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.AccountID == accountID {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return err
			}
		}
	}
	return iter.Err()
}

// Close releases resources (no-op, client is managed externally).
func (r *RedisStore) Close() error { return nil }

// Manager wraps a Store with key hashing, the default TTL, and hit
// accounting.
type Manager struct {
	store Store
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewManager creates an affinity manager over the store.
func NewManager(store Store, ttl time.Duration) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl}
}

// Lookup returns the account bound to the session, if any.
func (m *Manager) Lookup(ctx context.Context, rawSessionKey string) (string, bool, error) {
	e, ok, err := m.store.Lookup(ctx, HashSessionKey(rawSessionKey))
	if err != nil {
		return "", false, err
	}
	if !ok {
		m.misses.Add(1)
		return "", false, nil
	}
	m.hits.Add(1)
	return e.AccountID, true, nil
}

// Bind pins the session to the account for the manager's TTL.
func (m *Manager) Bind(ctx context.Context, rawSessionKey, accountID string) error {
	return m.store.Bind(ctx, HashSessionKey(rawSessionKey), accountID, m.ttl)
}

// Evict removes the session's mapping.
func (m *Manager) Evict(ctx context.Context, rawSessionKey string) error {
	return m.store.Evict(ctx, HashSessionKey(rawSessionKey))
}

// EvictAccount removes every mapping bound to the account. Used when
// an account turns rate-limited or unauthorized.
func (m *Manager) EvictAccount(ctx context.Context, accountID string) error {
	return m.store.EvictAccount(ctx, accountID)
}

// Stats returns cumulative lookup hit and miss counts.
func (m *Manager) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// Close releases the underlying store.
func (m *Manager) Close() error { return m.store.Close() }
