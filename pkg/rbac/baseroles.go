package rbac

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Base role names shipped by default.
const (
	BaseRoleViewer  = "viewer"
	BaseRoleUser    = "user"
	BaseRoleManager = "manager"
	BaseRoleAdmin   = "admin"
)

// BaseRole is an entry of the well-known role table. It may only inherit from
// other base roles.
type BaseRole struct {
	Name         string   `json:"name" yaml:"name"`
	Permissions  []string `json:"permissions" yaml:"permissions"`
	InheritsFrom []string `json:"inherits_from,omitempty" yaml:"inherits_from"`
}

// DefaultBaseRoles returns the built-in table.
func DefaultBaseRoles() []BaseRole {
	return []BaseRole{
		{
			Name:        BaseRoleViewer,
			Permissions: []string{"read_project", "read_profile"},
		},
		{
			Name:         BaseRoleUser,
			Permissions:  []string{"create_project", "update_profile"},
			InheritsFrom: []string{BaseRoleViewer},
		},
		{
			Name:         BaseRoleManager,
			Permissions:  []string{"update_project", "manage_team", "read_roles"},
			InheritsFrom: []string{BaseRoleUser},
		},
		{
			Name:         BaseRoleAdmin,
			Permissions:  []string{"manage_project", "manage_users", PermissionManageRoles, PermissionManageSSO},
			InheritsFrom: []string{BaseRoleManager},
		},
	}
}

type baseRoleFile struct {
	Roles []BaseRole `yaml:"roles"`
}

// ParseBaseRoles decodes a YAML role table of the form
//
//	roles:
//	  - name: viewer
//	    permissions: [read_project]
//	  - name: user
//	    inherits_from: [viewer]
func ParseBaseRoles(data []byte) ([]BaseRole, error) {
	var file baseRoleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse base roles: %w", err)
	}
	if err := validateBaseRoles(file.Roles); err != nil {
		return nil, err
	}
	return file.Roles, nil
}

// LoadBaseRoles reads and parses a YAML role table.
func LoadBaseRoles(path string) ([]BaseRole, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read base roles: %w", err)
	}
	return ParseBaseRoles(data)
}

// validateBaseRoles rejects empty tables, duplicate names, references outside
// the table and cycles.
func validateBaseRoles(roles []BaseRole) error {
	if len(roles) == 0 {
		return fmt.Errorf("base role table is empty")
	}
	byName := make(map[string]BaseRole, len(roles))
	for _, r := range roles {
		if r.Name == "" {
			return fmt.Errorf("base role without a name")
		}
		if _, dup := byName[r.Name]; dup {
			return fmt.Errorf("duplicate base role %q", r.Name)
		}
		byName[r.Name] = r
	}
	for _, r := range roles {
		for _, parent := range r.InheritsFrom {
			if _, ok := byName[parent]; !ok {
				return fmt.Errorf("base role %q inherits unknown role %q", r.Name, parent)
			}
		}
	}

	state := make(map[string]int)
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case 1:
			return fmt.Errorf("base roles contain a cycle: %v", append(path, name))
		case 2:
			return nil
		}
		state[name] = 1
		for _, parent := range byName[name].InheritsFrom {
			if err := visit(parent, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = 2
		return nil
	}
	for _, r := range roles {
		if err := visit(r.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

// BaseRoleTable holds the current base roles. Safe for concurrent use.
type BaseRoleTable struct {
	mu    sync.RWMutex
	roles map[string]BaseRole
}

// NewBaseRoleTable creates a table from roles, which must be valid.
func NewBaseRoleTable(roles []BaseRole) (*BaseRoleTable, error) {
	t := &BaseRoleTable{}
	if err := t.Replace(roles); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the named base role.
func (t *BaseRoleTable) Get(name string) (BaseRole, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.roles[name]
	return r, ok
}

// Names returns the role names sorted.
func (t *BaseRoleTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.roles))
	for name := range t.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replace swaps in a new table after validating it.
func (t *BaseRoleTable) Replace(roles []BaseRole) error {
	if err := validateBaseRoles(roles); err != nil {
		return err
	}
	next := make(map[string]BaseRole, len(roles))
	for _, r := range roles {
		next[r.Name] = r
	}
	t.mu.Lock()
	t.roles = next
	t.mu.Unlock()
	return nil
}

// DefaultReloadDelay coalesces bursts of file events into one reload.
const DefaultReloadDelay = 250 * time.Millisecond

// BaseRoleWatcher reloads a BaseRoleTable when its YAML file changes and
// publishes an invalidation for every user.
type BaseRoleWatcher struct {
	path   string
	table  *BaseRoleTable
	bus    *EventBus
	delay  time.Duration
	logger *observability.Logger
}

// NewBaseRoleWatcher creates a watcher for path.
func NewBaseRoleWatcher(path string, table *BaseRoleTable, bus *EventBus, logger *observability.Logger) *BaseRoleWatcher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &BaseRoleWatcher{
		path:   filepath.Clean(path),
		table:  table,
		bus:    bus,
		delay:  DefaultReloadDelay,
		logger: logger.WithField("component", "base_role_watcher"),
	}
}

// Reload reads the file, replaces the table and invalidates every cached
// permission set. A broken file leaves the current table in place.
func (w *BaseRoleWatcher) Reload(ctx context.Context) error {
	roles, err := LoadBaseRoles(w.path)
	if err != nil {
		return err
	}
	if err := w.table.Replace(roles); err != nil {
		return err
	}
	w.logger.WithField("roles", len(roles)).Info("base roles reloaded")
	return w.bus.Publish(ctx, InvalidationEvent{Reason: ReasonBaseRolesReloaded, All: true})
}

// Run watches the file's directory until ctx is done. Editors that replace
// the file by rename are handled because the directory is watched.
func (w *BaseRoleWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.delay)
			}
		case <-pending:
			pending = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.WithError(err).Error("failed to reload base roles")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("base role watcher error")
		}
	}
}
