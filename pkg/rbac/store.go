package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store persists dynamic roles and user assignments.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	// UpdateRole overwrites a stored role. Unknown ids return ErrRoleNotFound.
	UpdateRole(ctx context.Context, role *Role) error
	// DeleteRole removes the role and its assignments. It reports whether the
	// role existed.
	DeleteRole(ctx context.Context, id string) (bool, error)
	// GetRole returns ErrRoleNotFound for unknown ids.
	GetRole(ctx context.Context, id string) (*Role, error)
	// ListRoles returns the roles of orgID, or of every org when orgID is empty.
	ListRoles(ctx context.Context, orgID string) ([]*Role, error)
	// AssignRole reports false when the assignment already existed.
	AssignRole(ctx context.Context, assignment UserRoleAssignment) (bool, error)
	// RemoveRole reports false when there was nothing to remove.
	RemoveRole(ctx context.Context, userID, roleID string) (bool, error)
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
	// UsersWithRoles returns the distinct holders of any of roleIDs.
	UsersWithRoles(ctx context.Context, roleIDs []string) ([]string, error)
}

// SQLStore stores roles in the rbac_roles and rbac_user_roles tables.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new RBAC store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const roleColumns = `id, org_id, name, permissions, resource_permissions, inherits_from, is_active, created_at, updated_at`

type roleJSON struct {
	permissions string
	grants      string
	inherits    string
}

func encodeRole(role *Role) (roleJSON, error) {
	var out roleJSON
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return out, fmt.Errorf("failed to marshal permissions: %w", err)
	}
	grants := role.ResourcePermissions
	if grants == nil {
		grants = []ResourcePermission{}
	}
	grantsJSON, err := json.Marshal(grants)
	if err != nil {
		return out, fmt.Errorf("failed to marshal resource permissions: %w", err)
	}
	inherits := role.InheritsFrom
	if inherits == nil {
		inherits = []string{}
	}
	inheritsJSON, err := json.Marshal(inherits)
	if err != nil {
		return out, fmt.Errorf("failed to marshal inherits_from: %w", err)
	}
	return roleJSON{permissions: string(perms), grants: string(grantsJSON), inherits: string(inheritsJSON)}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var perms, grants, inherits string
	if err := row.Scan(
		&role.ID,
		&role.OrgID,
		&role.Name,
		&perms,
		&grants,
		&inherits,
		&role.IsActive,
		&role.CreatedAt,
		&role.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(grants), &role.ResourcePermissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(inherits), &role.InheritsFrom); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inherits_from: %w", err)
	}
	return &role, nil
}

// CreateRole creates a new role
func (s *SQLStore) CreateRole(ctx context.Context, role *Role) error {
	enc, err := encodeRole(role)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rbac_roles (`+roleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		role.ID,
		role.OrgID,
		role.Name,
		enc.permissions,
		enc.grants,
		enc.inherits,
		role.IsActive,
		role.CreatedAt,
		role.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// UpdateRole updates an existing role
func (s *SQLStore) UpdateRole(ctx context.Context, role *Role) error {
	enc, err := encodeRole(role)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rbac_roles
		SET name = $1, permissions = $2, resource_permissions = $3, inherits_from = $4, is_active = $5, updated_at = $6
		WHERE id = $7
	`,
		role.Name,
		enc.permissions,
		enc.grants,
		enc.inherits,
		role.IsActive,
		role.UpdatedAt,
		role.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// DeleteRole deletes a role and its assignments in one transaction
func (s *SQLStore) DeleteRole(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rbac_user_roles WHERE role_id = $1`, id); err != nil {
		return false, fmt.Errorf("failed to delete role assignments: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rbac_roles WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit role deletion: %w", err)
	}
	return n > 0, nil
}

// GetRole retrieves a role by ID
func (s *SQLStore) GetRole(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM rbac_roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists roles ordered by creation
func (s *SQLStore) ListRoles(ctx context.Context, orgID string) ([]*Role, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if orgID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM rbac_roles ORDER BY created_at, id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM rbac_roles WHERE org_id = $1 ORDER BY created_at, id`, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AssignRole assigns a role to a user
func (s *SQLStore) AssignRole(ctx context.Context, a UserRoleAssignment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rbac_user_roles (user_id, role_id, assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, a.UserID, a.RoleID, a.AssignedAt)
	if err != nil {
		return false, fmt.Errorf("failed to assign role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// RemoveRole revokes a role from a user
func (s *SQLStore) RemoveRole(ctx context.Context, userID, roleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rbac_user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("failed to remove role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// UserRoleIDs returns the ids of roles assigned to a user
func (s *SQLStore) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role_id FROM rbac_user_roles WHERE user_id = $1 ORDER BY assigned_at, role_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	return scanStrings(rows)
}

// UsersWithRoles returns the users holding any of roleIDs
func (s *SQLStore) UsersWithRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roleIDs))
	args := make([]interface{}, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM rbac_user_roles WHERE role_id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY user_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get role holders: %w", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	assignments map[string]map[string]UserRoleAssignment // user -> role -> assignment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]*Role),
		assignments: make(map[string]map[string]UserRoleAssignment),
	}
}

// CreateRole implements Store.
func (m *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roles[role.ID]; exists {
		return fmt.Errorf("role %s already exists", role.ID)
	}
	m.roles[role.ID] = role.Clone()
	return nil
}

// UpdateRole implements Store.
func (m *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roles[role.ID]; !exists {
		return ErrRoleNotFound
	}
	m.roles[role.ID] = role.Clone()
	return nil
}

// DeleteRole implements Store.
func (m *MemoryStore) DeleteRole(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roles[id]; !exists {
		return false, nil
	}
	delete(m.roles, id)
	for _, roles := range m.assignments {
		delete(roles, id)
	}
	return true, nil
}

// GetRole implements Store.
func (m *MemoryStore) GetRole(ctx context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[id]
	if !ok {
		return nil, ErrRoleNotFound
	}
	return role.Clone(), nil
}

// ListRoles implements Store.
func (m *MemoryStore) ListRoles(ctx context.Context, orgID string) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Role
	for _, role := range m.roles {
		if orgID == "" || role.OrgID == orgID {
			out = append(out, role.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AssignRole implements Store.
func (m *MemoryStore) AssignRole(ctx context.Context, a UserRoleAssignment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := m.assignments[a.UserID]
	if roles == nil {
		roles = make(map[string]UserRoleAssignment)
		m.assignments[a.UserID] = roles
	}
	if _, exists := roles[a.RoleID]; exists {
		return false, nil
	}
	roles[a.RoleID] = a
	return true, nil
}

// RemoveRole implements Store.
func (m *MemoryStore) RemoveRole(ctx context.Context, userID, roleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.assignments[userID][roleID]; !exists {
		return false, nil
	}
	delete(m.assignments[userID], roleID)
	return true, nil
}

// UserRoleIDs implements Store.
func (m *MemoryStore) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	assigned := make([]UserRoleAssignment, 0, len(m.assignments[userID]))
	for _, a := range m.assignments[userID] {
		assigned = append(assigned, a)
	}
	sort.Slice(assigned, func(i, j int) bool {
		if !assigned[i].AssignedAt.Equal(assigned[j].AssignedAt) {
			return assigned[i].AssignedAt.Before(assigned[j].AssignedAt)
		}
		return assigned[i].RoleID < assigned[j].RoleID
	})
	ids := make([]string, len(assigned))
	for i, a := range assigned {
		ids[i] = a.RoleID
	}
	return ids, nil
}

// UsersWithRoles implements Store.
func (m *MemoryStore) UsersWithRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for userID, roles := range m.assignments {
		for _, id := range roleIDs {
			if _, ok := roles[id]; ok {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
