package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultHandshakeTTL bounds how long a login may take.
const DefaultHandshakeTTL = 10 * time.Minute

var (
	// ErrHandshakeNotFound means the state was never issued or was already consumed.
	ErrHandshakeNotFound = errors.New("handshake state not found or already consumed")
	// ErrHandshakeExpired means the state outlived its TTL.
	ErrHandshakeExpired = errors.New("handshake state expired")
	// ErrHandshakeExists is returned when saving a state that is already stored.
	ErrHandshakeExists = errors.New("handshake state already exists")
)

// PendingHandshake is the server-side half of an initiated login.
type PendingHandshake struct {
	State        string       `json:"state"`
	Nonce        string       `json:"nonce,omitempty"`
	CodeVerifier string       `json:"code_verifier,omitempty"`
	ProviderID   string       `json:"provider_id"`
	Protocol     ProviderType `json:"protocol"`
	SessionID    string       `json:"session_id,omitempty"`
	ReturnURL    string       `json:"return_url,omitempty"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// Expired reports whether the handshake is no longer usable at now.
func (h *PendingHandshake) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// HandshakeStore persists pending handshakes. Consume must remove the entry
// atomically so that only one caller ever observes it.
type HandshakeStore interface {
	Save(ctx context.Context, handshake *PendingHandshake) error
	Consume(ctx context.Context, state string, now time.Time) (*PendingHandshake, error)
}

// randomToken returns n random bytes encoded as unpadded base64url.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

const handshakeKeyPrefix = "warden:sso:handshake:"

// RedisHandshakeStore keeps handshakes in Redis with native expiry.
type RedisHandshakeStore struct {
	client *redis.Client
}

// NewRedisHandshakeStore creates a Redis-backed handshake store.
func NewRedisHandshakeStore(client *redis.Client) *RedisHandshakeStore {
	return &RedisHandshakeStore{client: client}
}

// Save stores the handshake with SET NX and a TTL matching ExpiresAt.
func (s *RedisHandshakeStore) Save(ctx context.Context, handshake *PendingHandshake) error {
	ttl := time.Until(handshake.ExpiresAt)
	if ttl <= 0 {
		return ErrHandshakeExpired
	}

	payload, err := json.Marshal(handshake)
	if err != nil {
		return fmt.Errorf("failed to encode handshake: %w", err)
	}

	ok, err := s.client.SetNX(ctx, handshakeKeyPrefix+handshake.State, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save handshake: %w", err)
	}
	if !ok {
		return ErrHandshakeExists
	}
	return nil
}

// Consume atomically reads and deletes the handshake with GETDEL.
func (s *RedisHandshakeStore) Consume(ctx context.Context, state string, now time.Time) (*PendingHandshake, error) {
	payload, err := s.client.GetDel(ctx, handshakeKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrHandshakeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume handshake: %w", err)
	}

	var handshake PendingHandshake
	if err := json.Unmarshal(payload, &handshake); err != nil {
		return nil, fmt.Errorf("failed to decode handshake: %w", err)
	}
	if handshake.Expired(now) {
		return nil, ErrHandshakeExpired
	}
	return &handshake, nil
}

// MemoryHandshakeStore keeps handshakes in process memory.
type MemoryHandshakeStore struct {
	mu      sync.Mutex
	pending map[string]PendingHandshake
}

// NewMemoryHandshakeStore creates an empty in-memory handshake store.
func NewMemoryHandshakeStore() *MemoryHandshakeStore {
	return &MemoryHandshakeStore{pending: make(map[string]PendingHandshake)}
}

// Save implements HandshakeStore.
func (s *MemoryHandshakeStore) Save(ctx context.Context, handshake *PendingHandshake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[handshake.State]; exists {
		return ErrHandshakeExists
	}
	s.pending[handshake.State] = *handshake
	return nil
}

// Consume implements HandshakeStore.
func (s *MemoryHandshakeStore) Consume(ctx context.Context, state string, now time.Time) (*PendingHandshake, error) {
	s.mu.Lock()
	handshake, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()

	if !ok {
		return nil, ErrHandshakeNotFound
	}
	if handshake.Expired(now) {
		return nil, ErrHandshakeExpired
	}
	return &handshake, nil
}

// PurgeExpired drops expired entries and returns how many were removed.
func (s *MemoryHandshakeStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for state, handshake := range s.pending {
		if handshake.Expired(now) {
			delete(s.pending, state)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries.
func (s *MemoryHandshakeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
