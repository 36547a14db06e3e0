package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, postgres.Migrate(context.Background(), db))
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	engine *Engine
	store  Store
	users  *identity.MemoryStore
	cache  *MemoryCacheStore
	bus    *EventBus
	base   *BaseRoleTable
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	base, err := NewBaseRoleTable(DefaultBaseRoles())
	require.NoError(t, err)

	f := &fixture{
		store: store,
		users: identity.NewMemoryStore(),
		cache: NewMemoryCacheStore(time.Hour),
		bus:   NewEventBus(),
		base:  base,
	}
	f.engine = NewEngine(EngineConfig{
		Store:     store,
		BaseRoles: base,
		Users:     f.users,
		Cache:     f.cache,
		Bus:       f.bus,
	})
	f.bus.Subscribe(NewCacheInvalidator(store, f.cache, nil, nil).Handle)
	return f
}

func (f *fixture) addUser(id, baseRole string) *auth.User {
	user := &auth.User{ID: id, Email: id + "@example.com", BaseRole: baseRole}
	f.users.Put(user)
	return user
}

func (f *fixture) role(t *testing.T, name string, perms []string, parents ...string) *Role {
	t.Helper()
	role, err := f.engine.CreateRole(context.Background(), &Role{
		Name:         name,
		Permissions:  NewPermissionSet(perms...),
		InheritsFrom: parents,
		IsActive:     true,
	})
	require.NoError(t, err)
	return role
}

func (f *fixture) assign(t *testing.T, userID, roleID string) {
	t.Helper()
	_, err := f.engine.AssignRoleToUser(context.Background(), userID, roleID)
	require.NoError(t, err)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
