package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/platinummonkey/warden/pkg/auth"
)

// Store persists local users.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*auth.User, error)
	GetUser(ctx context.Context, id string) (*auth.User, error)
	// CreateIfAbsent inserts user unless a row with the same email exists.
	// It reports whether this call created the row.
	CreateIfAbsent(ctx context.Context, user *auth.User) (bool, error)
}

// SQLStore stores users in the users table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQL user store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const userColumns = `id, email, name, base_role, department, resource_permissions, created_at, updated_at`

// FindByEmail returns auth.ErrUserNotFound when no row matches
func (s *SQLStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// GetUser returns auth.ErrUserNotFound when no row matches
func (s *SQLStore) GetUser(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// CreateIfAbsent relies on the unique email index; a conflicting insert
// affects zero rows instead of failing.
func (s *SQLStore) CreateIfAbsent(ctx context.Context, user *auth.User) (bool, error) {
	grants, err := json.Marshal(user.ResourcePermissions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal resource permissions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, base_role, department, resource_permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO NOTHING
	`,
		user.ID,
		user.Email,
		user.Name,
		user.BaseRole,
		user.Department,
		string(grants),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create user: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var user auth.User
	var grants string
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.BaseRole,
		&user.Department,
		&grants,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if grants != "" && grants != "null" {
		if err := json.Unmarshal([]byte(grants), &user.ResourcePermissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource permissions: %w", err)
		}
	}
	return &user, nil
}

// MemoryStore is an in-process Store used as a test double.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*auth.User
	byEmail map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*auth.User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, user *auth.User) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[user.Email]; exists {
		return false, nil
	}
	cp := *user
	m.byID[user.ID] = &cp
	m.byEmail[user.Email] = user.ID
	return true, nil
}

// Put stores or replaces a user. Tests use it to seed department and grants.
func (m *MemoryStore) Put(user *auth.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.byID[user.ID] = &cp
	m.byEmail[user.Email] = user.ID
}

// Count returns the number of stored users
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
