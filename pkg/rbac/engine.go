package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/observability"
)

// ErrInvalidRole is wrapped by role validation failures.
var ErrInvalidRole = errors.New("rbac: invalid role")

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store     Store
	BaseRoles *BaseRoleTable
	Users     auth.UserGetter
	// Cache holds global permission sets. Nil disables caching.
	Cache CacheStore
	// Bus receives an event per mutation. Nil creates a private bus.
	Bus     *EventBus
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Engine evaluates permissions and manages dynamic roles.
type Engine struct {
	store     Store
	baseRoles *BaseRoleTable
	users     auth.UserGetter
	cache     CacheStore
	bus       *EventBus
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	// hierarchyMu makes a cycle check and the role write it admits atomic
	// within this process.
	hierarchyMu sync.Mutex
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Bus == nil {
		cfg.Bus = NewEventBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &Engine{
		store:     cfg.Store,
		baseRoles: cfg.BaseRoles,
		users:     cfg.Users,
		cache:     cfg.Cache,
		bus:       cfg.Bus,
		logger:    cfg.Logger.WithField("component", "rbac"),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Bus returns the bus mutations are published on.
func (e *Engine) Bus() *EventBus {
	return e.bus
}

// roleNode is a base or dynamic role as seen by the traversal.
type roleNode struct {
	orgID   string
	active  bool
	dynamic bool
	perms   []string
	grants  []ResourcePermission
	parents []string
}

func dynamicNode(r *Role) *roleNode {
	return &roleNode{
		orgID:   r.OrgID,
		active:  r.IsActive,
		dynamic: true,
		perms:   r.Permissions.Sorted(),
		grants:  r.ResourcePermissions,
		parents: r.InheritsFrom,
	}
}

// effective is a traversal result.
type effective struct {
	perms  PermissionSet
	grants []ResourcePermission
}

// walker runs a depth-first traversal of the inheritance graph. onPath holds
// the roles of the current branch, so revisiting one of them is a cycle while
// revisiting a finished role (a diamond) is not.
type walker struct {
	ctx    context.Context
	engine *Engine

	// write-time options
	overlay         map[string]*Role
	includeInactive bool
	strict          func(ref string) bool
	orgID           string

	done   map[string]bool
	onPath map[string]bool
	path   []string
	out    effective
}

func (e *Engine) newWalker(ctx context.Context) *walker {
	return &walker{
		ctx:    ctx,
		engine: e,
		done:   make(map[string]bool),
		onPath: make(map[string]bool),
		out:    effective{perms: NewPermissionSet()},
	}
}

func (w *walker) lookup(ref string) (*roleNode, error) {
	if r, ok := w.overlay[ref]; ok {
		return dynamicNode(r), nil
	}
	if w.engine.baseRoles != nil {
		if base, ok := w.engine.baseRoles.Get(ref); ok {
			return &roleNode{active: true, perms: base.Permissions, parents: base.InheritsFrom}, nil
		}
	}
	role, err := w.engine.store.GetRole(w.ctx, ref)
	if err != nil {
		return nil, err
	}
	return dynamicNode(role), nil
}

func (w *walker) visit(ref string) error {
	if w.onPath[ref] {
		start := 0
		for i, p := range w.path {
			if p == ref {
				start = i
				break
			}
		}
		cycle := append(append([]string(nil), w.path[start:]...), ref)
		return autherr.RoleCycle(cycle)
	}
	if w.done[ref] {
		return nil
	}

	node, err := w.lookup(ref)
	if errors.Is(err, ErrRoleNotFound) {
		if w.strict != nil && w.strict(ref) {
			return autherr.Validation(nil, "role %q does not exist", ref)
		}
		w.engine.logger.WithField("role", ref).WithField("path", w.path).Warn("skipping unknown role reference")
		w.done[ref] = true
		return nil
	}
	if err != nil {
		return err
	}
	if node.dynamic && w.orgID != "" && node.orgID != w.orgID {
		return autherr.Validation(nil, "role %q belongs to another organization", ref)
	}
	if !node.active && !w.includeInactive {
		w.done[ref] = true
		return nil
	}

	w.onPath[ref] = true
	w.path = append(w.path, ref)
	for _, parent := range node.parents {
		if err := w.visit(parent); err != nil {
			return err
		}
	}
	w.path = w.path[:len(w.path)-1]
	delete(w.onPath, ref)
	w.done[ref] = true

	w.out.perms.Add(node.perms...)
	w.out.grants = append(w.out.grants, node.grants...)
	return nil
}

// closure collects everything reachable from the user's base role and
// assigned roles.
func (e *Engine) closure(ctx context.Context, user *auth.User, resource string) (*effective, error) {
	roleIDs, err := e.store.UserRoleIDs(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user roles: %w", err)
	}
	w := e.newWalker(ctx)
	if user.BaseRole != "" {
		if err := w.visit(user.BaseRole); err != nil {
			return nil, err
		}
	}
	for _, id := range roleIDs {
		if err := w.visit(id); err != nil {
			return nil, err
		}
	}
	if resource != "" {
		w.out.perms.Add(user.ResourcePermissions[resource]...)
	}
	return &w.out, nil
}

// GetUserPermissions returns the user's effective permissions. A non-empty
// resource adds the user's grants scoped to it.
func (e *Engine) GetUserPermissions(ctx context.Context, user *auth.User, resource string) (PermissionSet, error) {
	eff, err := e.closure(ctx, user, resource)
	if err != nil {
		return nil, err
	}
	return eff.perms, nil
}

// HasPermission reports whether the user holds perm. Global checks go
// through the permission cache.
func (e *Engine) HasPermission(ctx context.Context, user *auth.User, perm, resource string) (allowed bool, err error) {
	defer func() {
		if err == nil {
			e.metrics.RecordPermissionCheck(allowed)
		}
	}()

	if resource == "" && e.cache != nil {
		entry, err := e.cache.Get(ctx, user.ID)
		if err != nil {
			e.logger.WithError(err).Warn("permission cache read failed")
		} else if entry != nil {
			e.metrics.RecordCacheHit()
			return entry.Permissions.Has(perm), nil
		}
		e.metrics.RecordCacheMiss()
		perms, err := e.fill(ctx, user)
		if err != nil {
			return false, err
		}
		return perms.Has(perm), nil
	}

	perms, err := e.GetUserPermissions(ctx, user, resource)
	if err != nil {
		return false, err
	}
	return perms.Has(perm), nil
}

// fill computes the global permission set and caches it under the stamp
// observed before computing. Cache failures only cost the write.
func (e *Engine) fill(ctx context.Context, user *auth.User) (PermissionSet, error) {
	stamp, err := e.cache.Stamp(ctx, user.ID)
	if err != nil {
		e.logger.WithError(err).Warn("permission cache stamp read failed")
		return e.GetUserPermissions(ctx, user, "")
	}
	perms, err := e.GetUserPermissions(ctx, user, "")
	if err != nil {
		return nil, err
	}
	if err := e.cachePut(ctx, user.ID, stamp, perms); err != nil && !errors.Is(err, ErrStaleCacheWrite) {
		e.logger.WithError(err).WithField("user_id", user.ID).Warn("permission cache write failed")
	}
	return perms, nil
}

func (e *Engine) cachePut(ctx context.Context, userID string, stamp Stamp, perms PermissionSet) error {
	err := e.cache.Put(ctx, &CacheEntry{
		UserID:      userID,
		Permissions: perms,
		UpdatedAt:   e.now(),
		Stamp:       stamp,
	})
	if errors.Is(err, ErrStaleCacheWrite) {
		e.metrics.RecordStaleWrite()
		e.logger.WithField("user_id", userID).Debug("dropped stale permission cache write")
	}
	return err
}

// CacheUserPermissions recomputes and caches the user's global permissions.
// If an invalidation lands while computing, the write is dropped and
// ErrStaleCacheWrite is returned alongside the computed set.
func (e *Engine) CacheUserPermissions(ctx context.Context, userID string) (PermissionSet, error) {
	if e.cache == nil {
		return nil, fmt.Errorf("permission cache is not configured")
	}
	stamp, err := e.cache.Stamp(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stamp: %w", err)
	}
	user, err := e.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	perms, err := e.GetUserPermissions(ctx, user, "")
	if err != nil {
		return nil, err
	}
	if err := e.cachePut(ctx, userID, stamp, perms); err != nil {
		if errors.Is(err, ErrStaleCacheWrite) {
			return perms, err
		}
		return nil, fmt.Errorf("failed to write permission cache: %w", err)
	}
	return perms, nil
}

// CanAccessResource reports whether the user may perform action on resource.
// Plain "<action>_<resource>" or "manage_<resource>" permissions allow it
// outright; otherwise a reachable grant must match and its conditions hold.
func (e *Engine) CanAccessResource(ctx context.Context, user *auth.User, resource, action string, attrs AccessAttributes) (allowed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.can_access",
		attribute.String("rbac.resource", resource),
		attribute.String("rbac.action", action),
	)
	defer func() {
		if err == nil {
			e.metrics.RecordPermissionCheck(allowed)
		}
		observability.EndSpan(span, err)
	}()

	eff, err := e.closure(ctx, user, resource)
	if err != nil {
		return false, err
	}
	if eff.perms.Has(PermissionName(action, resource)) || eff.perms.Has(PermissionName("manage", resource)) {
		return true, nil
	}

	if attrs.Time.IsZero() {
		attrs.Time = e.now()
	}
	for _, grant := range eff.grants {
		if grant.matches(resource, action) && conditionsHold(grant.Conditions, user, attrs) {
			return true, nil
		}
	}
	return false, nil
}

// conditionsHold evaluates c against the access attributes. Conditions that
// need an attribute the caller did not supply fail.
func conditionsHold(c *Conditions, user *auth.User, attrs AccessAttributes) bool {
	if c == nil {
		return true
	}
	if c.OwnerOnly && (attrs.OwnerID == "" || attrs.OwnerID != user.ID) {
		return false
	}
	// Departments scope the user; a resource department, when known, must
	// fall inside the same scope.
	if len(c.Departments) > 0 {
		if !containsString(c.Departments, user.Department) {
			return false
		}
		if attrs.Department != "" && !containsString(c.Departments, attrs.Department) {
			return false
		}
	}
	if c.NotBefore != nil && attrs.Time.Before(*c.NotBefore) {
		return false
	}
	if c.NotAfter != nil && !attrs.Time.Before(*c.NotAfter) {
		return false
	}
	if c.DailyWindow != nil && !c.DailyWindow.Contains(attrs.Time) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (e *Engine) user(ctx context.Context, userID string) (*auth.User, error) {
	user, err := e.users.GetUser(ctx, userID)
	if errors.Is(err, auth.ErrUserNotFound) {
		return nil, autherr.ConfigNotFound("user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// User loads a user by id. Unknown users are ConfigNotFound.
func (e *Engine) User(ctx context.Context, userID string) (*auth.User, error) {
	return e.user(ctx, userID)
}

func validateRole(role *Role) error {
	if role.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRole)
	}
	for i, grant := range role.ResourcePermissions {
		if grant.Resource == "" {
			return fmt.Errorf("%w: resource_permissions[%d]: resource is required", ErrInvalidRole, i)
		}
		if len(grant.Actions) == 0 {
			return fmt.Errorf("%w: resource_permissions[%d]: at least one action is required", ErrInvalidRole, i)
		}
		c := grant.Conditions
		if c == nil {
			continue
		}
		if c.NotBefore != nil && c.NotAfter != nil && !c.NotBefore.Before(*c.NotAfter) {
			return fmt.Errorf("%w: resource_permissions[%d]: not_before must precede not_after", ErrInvalidRole, i)
		}
		if c.DailyWindow != nil {
			if err := c.DailyWindow.Validate(); err != nil {
				return fmt.Errorf("%w: resource_permissions[%d]: %v", ErrInvalidRole, i, err)
			}
		}
	}
	return nil
}

// checkHierarchy walks the graph with candidate in place of its stored
// version. Inactive roles are followed since activating one later must not
// close a cycle. References in known are tolerated when dangling.
func (e *Engine) checkHierarchy(ctx context.Context, candidate *Role, known []string) error {
	w := e.newWalker(ctx)
	w.overlay = map[string]*Role{candidate.ID: candidate}
	w.includeInactive = true
	w.orgID = candidate.OrgID
	tolerated := make(map[string]bool, len(known))
	for _, ref := range known {
		tolerated[ref] = true
	}
	direct := make(map[string]bool, len(candidate.InheritsFrom))
	for _, ref := range candidate.InheritsFrom {
		direct[ref] = true
	}
	w.strict = func(ref string) bool {
		return direct[ref] && !tolerated[ref]
	}
	return w.visit(candidate.ID)
}

func (e *Engine) publish(ctx context.Context, event InvalidationEvent) {
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.WithError(err).WithField("reason", string(event.Reason)).Error("permission cache invalidation failed")
	}
}

// CreateRole stores a new dynamic role.
func (e *Engine) CreateRole(ctx context.Context, role *Role) (*Role, error) {
	r := role.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Name = strings.TrimSpace(r.Name)
	r.InheritsFrom = normalizeRefs(r.InheritsFrom)
	if r.Permissions == nil {
		r.Permissions = NewPermissionSet()
	}
	now := e.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := validateRole(r); err != nil {
		return nil, err
	}
	if e.baseRoles != nil {
		if _, clash := e.baseRoles.Get(r.ID); clash {
			return nil, fmt.Errorf("%w: id %q is a base role", ErrInvalidRole, r.ID)
		}
	}
	e.hierarchyMu.Lock()
	err := e.checkHierarchy(ctx, r, nil)
	if err == nil {
		err = e.store.CreateRole(ctx, r)
	}
	e.hierarchyMu.Unlock()
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{"role_id": r.ID, "org_id": r.OrgID}).Info("role created")
	e.publish(ctx, InvalidationEvent{Reason: ReasonRoleCreated, RoleID: r.ID})
	return r, nil
}

// GetRole returns a dynamic role.
func (e *Engine) GetRole(ctx context.Context, id string) (*Role, error) {
	role, err := e.store.GetRole(ctx, id)
	if errors.Is(err, ErrRoleNotFound) {
		return nil, autherr.ConfigNotFound("role %s not found", id)
	}
	return role, err
}

// ListRoles returns the dynamic roles of an org, or all of them for "".
func (e *Engine) ListRoles(ctx context.Context, orgID string) ([]*Role, error) {
	return e.store.ListRoles(ctx, orgID)
}

// UpdateRole applies patch to a stored role.
func (e *Engine) UpdateRole(ctx context.Context, id string, patch RolePatch) (*Role, error) {
	e.hierarchyMu.Lock()
	defer e.hierarchyMu.Unlock()

	current, err := e.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	r := patch.Apply(current)
	r.Name = strings.TrimSpace(r.Name)
	r.InheritsFrom = normalizeRefs(r.InheritsFrom)
	r.UpdatedAt = e.now().UTC()

	if err := validateRole(r); err != nil {
		return nil, err
	}
	if err := e.checkHierarchy(ctx, r, current.InheritsFrom); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRole(ctx, r); err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return nil, autherr.ConfigNotFound("role %s not found", id)
		}
		return nil, err
	}

	e.logger.WithField("role_id", id).Info("role updated")
	e.publish(ctx, InvalidationEvent{Reason: ReasonRoleUpdated, RoleID: id})
	return r, nil
}

// DeleteRole removes a role and its assignments. Roles inheriting it keep the
// dangling reference, which traversal skips.
func (e *Engine) DeleteRole(ctx context.Context, id string) (bool, error) {
	holders, err := e.store.UsersWithRoles(ctx, []string{id})
	if err != nil {
		return false, err
	}
	deleted, err := e.store.DeleteRole(ctx, id)
	if err != nil || !deleted {
		return false, err
	}

	e.logger.WithField("role_id", id).Info("role deleted")
	e.publish(ctx, InvalidationEvent{Reason: ReasonRoleDeleted, RoleID: id, UserIDs: holders})
	return true, nil
}

// AssignRoleToUser grants a dynamic role. Assigning twice is a no-op.
func (e *Engine) AssignRoleToUser(ctx context.Context, userID, roleID string) (*UserRoleAssignment, error) {
	if _, err := e.user(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := e.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	assignment := UserRoleAssignment{UserID: userID, RoleID: roleID, AssignedAt: e.now().UTC()}
	created, err := e.store.AssignRole(ctx, assignment)
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.WithFields(map[string]interface{}{"user_id": userID, "role_id": roleID}).Info("role assigned")
		e.publish(ctx, InvalidationEvent{Reason: ReasonRoleAssigned, UserIDs: []string{userID}})
	}
	return &assignment, nil
}

// RemoveRoleFromUser revokes a dynamic role and reports whether it was held.
func (e *Engine) RemoveRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	removed, err := e.store.RemoveRole(ctx, userID, roleID)
	if err != nil || !removed {
		return false, err
	}
	e.logger.WithFields(map[string]interface{}{"user_id": userID, "role_id": roleID}).Info("role revoked")
	e.publish(ctx, InvalidationEvent{Reason: ReasonRoleRevoked, UserIDs: []string{userID}})
	return true, nil
}

// GetUserRoles returns the dynamic roles assigned to a user.
func (e *Engine) GetUserRoles(ctx context.Context, userID string) ([]*Role, error) {
	ids, err := e.store.UserRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := make([]*Role, 0, len(ids))
	for _, id := range ids {
		role, err := e.store.GetRole(ctx, id)
		if errors.Is(err, ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}
