// Package store implements the engine's two cache tiers: an ephemeral
// key-value tier for raw provider answers and short-lived counters, and
// a durable filesystem tier for fully rendered answer pages.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ephemeral is the short-lived key-value tier. Implementations must be
// safe for concurrent use. Counter increments are best-effort under a
// non-atomic backing store; the Redis implementation gets real atomicity
// for free.
type Ephemeral interface {
	// Get retrieves a value. The second return is false on miss.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value with the given TTL. A TTL of zero or less
	// stores nothing.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a value. Idempotent.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments a counter, creating it with the given
	// TTL on first use, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetNX stores a value only if the key is absent. Returns true if
	// the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Counters reports cumulative hit/miss totals for the stats surface.
type Counters struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// CounterSource is implemented by stores that track hit/miss totals.
type CounterSource interface {
	Counters() Counters
}

// =========================================
// Redis-backed implementation
// =========================================

// RedisStore is the production Ephemeral implementation.
type RedisStore struct {
	rdb    *redis.Client
	hits   atomic.Int64
	misses atomic.Int64
}

var _ Ephemeral = (*RedisStore)(nil)
var _ CounterSource = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		s.misses.Add(1)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s.hits.Add(1)
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Counters returns cumulative hit/miss totals since process start.
func (s *RedisStore) Counters() Counters {
	return Counters{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// =========================================
// In-memory implementation
// =========================================

type memoryEntry struct {
	value     string
	counter   int64
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded map implementation for tests and for
// hosts running without Redis. Expiry is lazy: entries are dropped on
// the access that discovers them expired.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	hits    atomic.Int64
	misses  atomic.Int64

	now func() time.Time
}

var _ Ephemeral = (*MemoryStore)(nil)
var _ CounterSource = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// live returns the entry for key if present and unexpired, pruning it
// otherwise. Callers must hold mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	e := s.live(key)
	s.mu.Unlock()

	if e == nil {
		s.misses.Add(1)
		return "", false, nil
	}
	s.hits.Add(1)
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	s.entries[key] = &memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{expiresAt: s.now().Add(ttl)}
		s.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	s.entries[key] = &memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// Counters returns cumulative hit/miss totals since creation.
func (s *MemoryStore) Counters() Counters {
	return Counters{Hits: s.hits.Load(), Misses: s.misses.Load()}
}
