package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLRefreshStore keeps refresh token hashes in the refresh_tokens table.
type SQLRefreshStore struct {
	db *sql.DB
}

// NewSQLRefreshStore creates a new SQL-backed refresh store
func NewSQLRefreshStore(db *sql.DB) *SQLRefreshStore {
	return &SQLRefreshStore{db: db}
}

// Save inserts a refresh record
func (s *SQLRefreshStore) Save(ctx context.Context, record *RefreshRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, record.TokenHash, record.UserID, record.IssuedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// Consume revokes an active token in a single conditional UPDATE so two
// concurrent refreshes cannot both succeed.
func (s *SQLRefreshStore) Consume(ctx context.Context, hash string, now time.Time) (*RefreshRecord, error) {
	record := &RefreshRecord{TokenHash: hash}
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $1
		WHERE token_hash = $2 AND revoked_at IS NULL AND expires_at > $1
		RETURNING user_id, issued_at, expires_at
	`, now, hash).Scan(&record.UserID, &record.IssuedAt, &record.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	record.RevokedAt = &now
	return record, nil
}

// PurgeExpired deletes expired refresh records
func (s *SQLRefreshStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// MemoryRefreshStore is an in-process RefreshStore for tests.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	records map[string]*RefreshRecord
}

// NewMemoryRefreshStore creates an empty in-memory store
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{records: make(map[string]*RefreshRecord)}
}

func (m *MemoryRefreshStore) Save(ctx context.Context, record *RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.records[record.TokenHash] = &cp
	return nil
}

func (m *MemoryRefreshStore) Consume(ctx context.Context, hash string, now time.Time) (*RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[hash]
	if !ok || record.RevokedAt != nil || !record.ExpiresAt.After(now) {
		return nil, ErrInvalidRefreshToken
	}
	revoked := now
	record.RevokedAt = &revoked
	cp := *record
	return &cp, nil
}

func (m *MemoryRefreshStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for hash, record := range m.records {
		if !record.ExpiresAt.After(now) {
			delete(m.records, hash)
			n++
		}
	}
	return n, nil
}
