package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema in apply order. The DDL sticks to the subset
// shared by PostgreSQL and SQLite so store tests run against the same schema;
// JSON documents are stored as TEXT.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create sso_providers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sso_providers (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					type TEXT NOT NULL,
					name TEXT NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					protocol_config TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_sso_providers_org_id ON sso_providers(org_id);
			`,
		},
		{
			Version:     2,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL DEFAULT '',
					base_role TEXT NOT NULL,
					department TEXT NOT NULL DEFAULT '',
					resource_permissions TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     3,
			Description: "Create refresh_tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS refresh_tokens (
					token_hash TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					issued_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					revoked_at TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);
				CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);
			`,
		},
		{
			Version:     4,
			Description: "Create rbac_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_roles (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL,
					permissions TEXT NOT NULL DEFAULT '[]',
					resource_permissions TEXT NOT NULL DEFAULT '[]',
					inherits_from TEXT NOT NULL DEFAULT '[]',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_rbac_roles_org_id ON rbac_roles(org_id);
			`,
		},
		{
			Version:     5,
			Description: "Create rbac_user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_user_roles (
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL,
					assigned_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, role_id)
				);
				CREATE INDEX IF NOT EXISTS idx_rbac_user_roles_role_id ON rbac_user_roles(role_id);
			`,
		},
	}
}

// Migrate applies every migration newer than the recorded schema version.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range Migrations() {
		if current.Valid && int64(m.Version) <= current.Int64 {
			continue
		}
		err := InTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
				m.Version, m.Description, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}

	return nil
}
