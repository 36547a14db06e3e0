package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultCacheTTL bounds how long a cached permission set lives.
const DefaultCacheTTL = 15 * time.Minute

// Stamp identifies the cache state a fill was computed against. Epoch moves on
// a global invalidation, Generation on a per-user one.
type Stamp struct {
	Epoch      int64 `json:"epoch"`
	Generation int64 `json:"generation"`
}

// CacheEntry is a user's cached effective permission set.
type CacheEntry struct {
	UserID      string        `json:"user_id"`
	Permissions PermissionSet `json:"permissions"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Stamp       Stamp         `json:"stamp"`
}

// CacheStore persists permission sets keyed by user.
type CacheStore interface {
	// Get returns the entry for userID, or nil when absent or stale.
	Get(ctx context.Context, userID string) (*CacheEntry, error)
	// Stamp returns the current stamp for userID. A fill must read it before
	// computing and pass it back in entry.Stamp.
	Stamp(ctx context.Context, userID string) (Stamp, error)
	// Put stores entry unless an invalidation moved the stamp, in which case
	// it returns ErrStaleCacheWrite.
	Put(ctx context.Context, entry *CacheEntry) error
	// Invalidate drops the entries of userIDs and bumps their generation.
	Invalidate(ctx context.Context, userIDs ...string) error
	// InvalidateAll makes every entry stale.
	InvalidateAll(ctx context.Context) error
}

const (
	cacheEpochKey    = "warden:rbac:epoch"
	cacheGenPrefix   = "warden:rbac:gen:"
	cacheEntryPrefix = "warden:rbac:perms:"
	invalidateBatch  = 256
)

// putIfCurrent writes the entry only when both counters still hold the
// values observed before the fill was computed.
var putIfCurrent = redis.NewScript(`
local epoch = redis.call('GET', KEYS[1]) or '0'
local gen = redis.call('GET', KEYS[2]) or '0'
if epoch ~= ARGV[1] or gen ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
return 1
`)

// RedisCacheStore keeps permission sets in Redis.
type RedisCacheStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCacheStore creates a Redis cache. A non-positive ttl uses DefaultCacheTTL.
func NewRedisCacheStore(client *redis.Client, ttl time.Duration) *RedisCacheStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCacheStore{client: client, ttl: ttl}
}

func parseCounter(v interface{}) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected counter value %T", v)
	}
	return strconv.ParseInt(s, 10, 64)
}

func (s *RedisCacheStore) readStamp(values []interface{}) (Stamp, error) {
	epoch, err := parseCounter(values[0])
	if err != nil {
		return Stamp{}, err
	}
	gen, err := parseCounter(values[1])
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{Epoch: epoch, Generation: gen}, nil
}

// Get implements CacheStore.
func (s *RedisCacheStore) Get(ctx context.Context, userID string) (*CacheEntry, error) {
	values, err := s.client.MGet(ctx, cacheEpochKey, cacheGenPrefix+userID, cacheEntryPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read permission cache: %w", err)
	}
	if values[2] == nil {
		return nil, nil
	}
	current, err := s.readStamp(values)
	if err != nil {
		return nil, err
	}

	raw, ok := values[2].(string)
	if !ok {
		return nil, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode permission cache entry: %w", err)
	}
	if entry.Stamp != current {
		return nil, nil
	}
	return &entry, nil
}

// Stamp implements CacheStore.
func (s *RedisCacheStore) Stamp(ctx context.Context, userID string) (Stamp, error) {
	values, err := s.client.MGet(ctx, cacheEpochKey, cacheGenPrefix+userID).Result()
	if err != nil {
		return Stamp{}, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return s.readStamp(values)
}

// Put implements CacheStore.
func (s *RedisCacheStore) Put(ctx context.Context, entry *CacheEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode permission cache entry: %w", err)
	}
	written, err := putIfCurrent.Run(ctx, s.client,
		[]string{cacheEpochKey, cacheGenPrefix + entry.UserID, cacheEntryPrefix + entry.UserID},
		strconv.FormatInt(entry.Stamp.Epoch, 10),
		strconv.FormatInt(entry.Stamp.Generation, 10),
		string(payload),
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to write permission cache: %w", err)
	}
	if written == 0 {
		return ErrStaleCacheWrite
	}
	return nil
}

// Invalidate implements CacheStore.
func (s *RedisCacheStore) Invalidate(ctx context.Context, userIDs ...string) error {
	for start := 0; start < len(userIDs); start += invalidateBatch {
		end := start + invalidateBatch
		if end > len(userIDs) {
			end = len(userIDs)
		}
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range userIDs[start:end] {
				pipe.Incr(ctx, cacheGenPrefix+id)
				pipe.Del(ctx, cacheEntryPrefix+id)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to invalidate permission cache: %w", err)
		}
	}
	return nil
}

// InvalidateAll implements CacheStore. Old entries stay until their TTL but
// no longer match the epoch.
func (s *RedisCacheStore) InvalidateAll(ctx context.Context) error {
	if err := s.client.Incr(ctx, cacheEpochKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate permission cache: %w", err)
	}
	return nil
}

// MemoryCacheStore is an in-process CacheStore.
type MemoryCacheStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	epoch   int64
	gens    map[string]int64
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	entry     CacheEntry
	expiresAt time.Time
}

// NewMemoryCacheStore creates an in-process cache. A non-positive ttl uses DefaultCacheTTL.
func NewMemoryCacheStore(ttl time.Duration) *MemoryCacheStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCacheStore{
		ttl:     ttl,
		gens:    make(map[string]int64),
		entries: make(map[string]memoryCacheEntry),
		now:     time.Now,
	}
}

func (s *MemoryCacheStore) stamp(userID string) Stamp {
	return Stamp{Epoch: s.epoch, Generation: s.gens[userID]}
}

// Get implements CacheStore.
func (s *MemoryCacheStore) Get(ctx context.Context, userID string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return nil, nil
	}
	if e.entry.Stamp != s.stamp(userID) || !s.now().Before(e.expiresAt) {
		delete(s.entries, userID)
		return nil, nil
	}
	entry := e.entry
	entry.Permissions = NewPermissionSet(e.entry.Permissions.Sorted()...)
	return &entry, nil
}

// Stamp implements CacheStore.
func (s *MemoryCacheStore) Stamp(ctx context.Context, userID string) (Stamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stamp(userID), nil
}

// Put implements CacheStore.
func (s *MemoryCacheStore) Put(ctx context.Context, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Stamp != s.stamp(entry.UserID) {
		return ErrStaleCacheWrite
	}
	stored := *entry
	stored.Permissions = NewPermissionSet(entry.Permissions.Sorted()...)
	s.entries[entry.UserID] = memoryCacheEntry{entry: stored, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Invalidate implements CacheStore.
func (s *MemoryCacheStore) Invalidate(ctx context.Context, userIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		s.gens[id]++
		delete(s.entries, id)
	}
	return nil
}

// InvalidateAll implements CacheStore.
func (s *MemoryCacheStore) InvalidateAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.entries = make(map[string]memoryCacheEntry)
	return nil
}

// Len returns the number of stored entries, stale ones included.
func (s *MemoryCacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
