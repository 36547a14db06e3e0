package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/warden/pkg/autherr"
)

// Registry stores provider configurations.
type Registry interface {
	// List returns the providers of orgID, or of every org when orgID is empty.
	List(ctx context.Context, orgID string) ([]*ProviderConfig, error)
	Get(ctx context.Context, id string) (*ProviderConfig, error)
	Add(ctx context.Context, cfg *ProviderConfig) (*ProviderConfig, error)
	// Update returns a ConfigNotFound error when id is unknown.
	Update(ctx context.Context, id string, patch ProviderPatch) (*ProviderConfig, error)
	// Remove reports whether a provider was deleted.
	Remove(ctx context.Context, id string) (bool, error)
}

// ConfigValidator checks a provider configuration before it is stored.
type ConfigValidator interface {
	Validate(cfg *ProviderConfig) error
}

func providerNotFound(id string) error {
	return autherr.ConfigNotFound("sso provider %s not found", id)
}

// prepareNew validates cfg and returns a stored copy with id and timestamps set.
func prepareNew(cfg *ProviderConfig, validator ConfigValidator, now time.Time) (*ProviderConfig, error) {
	if cfg.OrgID == "" {
		return nil, invalidConfig("org_id is required")
	}
	if cfg.Name == "" {
		return nil, invalidConfig("name is required")
	}
	if _, err := ParseProviderType(string(cfg.Type)); err != nil {
		return nil, err
	}
	if validator != nil {
		if err := validator.Validate(cfg); err != nil {
			return nil, err
		}
	}

	stored := *cfg
	stored.ID = uuid.NewString()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	return &stored, nil
}

// MemoryRegistry keeps configurations in memory.
type MemoryRegistry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderConfig
	validator ConfigValidator
	now       func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(validator ConfigValidator) *MemoryRegistry {
	return &MemoryRegistry{
		providers: make(map[string]*ProviderConfig),
		validator: validator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List implements Registry.
func (r *MemoryRegistry) List(ctx context.Context, orgID string) ([]*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ProviderConfig, 0, len(r.providers))
	for _, cfg := range r.providers {
		if orgID == "" || cfg.OrgID == orgID {
			c := *cfg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.providers[id]
	if !ok {
		return nil, providerNotFound(id)
	}
	c := *cfg
	return &c, nil
}

// Add implements Registry.
func (r *MemoryRegistry) Add(ctx context.Context, cfg *ProviderConfig) (*ProviderConfig, error) {
	stored, err := prepareNew(cfg, r.validator, r.now())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[stored.ID] = stored
	c := *stored
	return &c, nil
}

// Update implements Registry.
func (r *MemoryRegistry) Update(ctx context.Context, id string, patch ProviderPatch) (*ProviderConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.providers[id]
	if !ok {
		return nil, providerNotFound(id)
	}
	updated := patch.Apply(current)
	if r.validator != nil {
		if err := r.validator.Validate(updated); err != nil {
			return nil, err
		}
	}
	updated.UpdatedAt = r.now()
	r.providers[id] = updated
	c := *updated
	return &c, nil
}

// Remove implements Registry.
func (r *MemoryRegistry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return false, nil
	}
	delete(r.providers, id)
	return true, nil
}

// protocolConfig is the JSON document stored in sso_providers.protocol_config.
type protocolConfig struct {
	SAML   *SAMLConfig   `json:"saml,omitempty"`
	OAuth2 *OAuth2Config `json:"oauth,omitempty"`
	OIDC   *OIDCConfig   `json:"oidc,omitempty"`
}

// SQLRegistry stores configurations in the sso_providers table.
type SQLRegistry struct {
	db        *sql.DB
	validator ConfigValidator
	now       func() time.Time
}

// NewSQLRegistry creates a registry backed by db.
func NewSQLRegistry(db *sql.DB, validator ConfigValidator) *SQLRegistry {
	return &SQLRegistry{
		db:        db,
		validator: validator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

const providerColumns = `id, org_id, type, name, enabled, protocol_config, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*ProviderConfig, error) {
	var (
		cfg      ProviderConfig
		protocol string
	)
	if err := row.Scan(&cfg.ID, &cfg.OrgID, &cfg.Type, &cfg.Name, &cfg.Enabled, &protocol, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}

	var pc protocolConfig
	if err := json.Unmarshal([]byte(protocol), &pc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protocol config: %w", err)
	}
	cfg.SAML, cfg.OAuth2, cfg.OIDC = pc.SAML, pc.OAuth2, pc.OIDC
	return &cfg, nil
}

func encodeProtocol(cfg *ProviderConfig) (string, error) {
	b, err := json.Marshal(protocolConfig{SAML: cfg.SAML, OAuth2: cfg.OAuth2, OIDC: cfg.OIDC})
	if err != nil {
		return "", fmt.Errorf("failed to marshal protocol config: %w", err)
	}
	return string(b), nil
}

// List implements Registry.
func (r *SQLRegistry) List(ctx context.Context, orgID string) ([]*ProviderConfig, error) {
	query := `SELECT ` + providerColumns + ` FROM sso_providers`
	args := []interface{}{}
	if orgID != "" {
		query += ` WHERE org_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		cfg, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, cfg)
	}
	return providers, rows.Err()
}

// Get implements Registry.
func (r *SQLRegistry) Get(ctx context.Context, id string) (*ProviderConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM sso_providers WHERE id = $1`, id)
	cfg, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, providerNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return cfg, nil
}

// Add implements Registry.
func (r *SQLRegistry) Add(ctx context.Context, cfg *ProviderConfig) (*ProviderConfig, error) {
	stored, err := prepareNew(cfg, r.validator, r.now())
	if err != nil {
		return nil, err
	}
	protocol, err := encodeProtocol(stored)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sso_providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, stored.ID, stored.OrgID, string(stored.Type), stored.Name, stored.Enabled, protocol, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return stored, nil
}

// Update implements Registry.
func (r *SQLRegistry) Update(ctx context.Context, id string, patch ProviderPatch) (*ProviderConfig, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := patch.Apply(current)
	if r.validator != nil {
		if err := r.validator.Validate(updated); err != nil {
			return nil, err
		}
	}
	updated.UpdatedAt = r.now()

	protocol, err := encodeProtocol(updated)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sso_providers
		SET name = $1, enabled = $2, protocol_config = $3, updated_at = $4
		WHERE id = $5
	`, updated.Name, updated.Enabled, protocol, updated.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return nil, providerNotFound(id)
	}
	return updated, nil
}

// Remove implements Registry.
func (r *SQLRegistry) Remove(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sso_providers WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
