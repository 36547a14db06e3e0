package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/autherr"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	engine      *Engine
	auditLogger audit.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(engine *Engine, auditLogger audit.Logger) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handlers{
		engine:      engine,
		auditLogger: auditLogger,
	}
}

// RegisterRoutes registers all RBAC routes behind guard, which may be nil.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard mux.MiddlewareFunc) {
	handle := func(path string, fn http.HandlerFunc, method string) {
		var handler http.Handler = fn
		if guard != nil {
			handler = guard(handler)
		}
		router.Handle(path, handler).Methods(method)
	}

	// Role management
	handle("/rbac/roles", h.CreateRole, "POST")
	handle("/rbac/roles", h.ListRoles, "GET")
	handle("/rbac/roles/{id}", h.GetRole, "GET")
	handle("/rbac/roles/{id}", h.UpdateRole, "PUT")
	handle("/rbac/roles/{id}", h.DeleteRole, "DELETE")

	// User role assignments
	handle("/rbac/users/{userId}/roles", h.AssignRoleToUser, "POST")
	handle("/rbac/users/{userId}/roles", h.GetUserRoles, "GET")
	handle("/rbac/users/{userId}/roles/{roleId}", h.RemoveRoleFromUser, "DELETE")
	handle("/rbac/users/{userId}/permissions", h.GetUserPermissions, "GET")

	// Permission checking
	handle("/rbac/check", h.CheckAccess, "POST")
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrInvalidRole) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error:   "invalid_role",
			Message: err.Error(),
		})
		return
	}
	if _, ok := autherr.As(err); !ok {
		observability.FromContext(r.Context()).WithError(err).Error("rbac request failed")
	}
	httputil.WriteAuthError(w, err)
}

type createRoleRequest struct {
	OrgID               string               `json:"org_id"`
	Name                string               `json:"name"`
	Permissions         []string             `json:"permissions"`
	ResourcePermissions []ResourcePermission `json:"resource_permissions"`
	InheritsFrom        []string             `json:"inherits_from"`
	IsActive            *bool                `json:"is_active,omitempty"`
}

// CreateRole creates a new dynamic role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role, err := h.engine.CreateRole(ctx, &Role{
		OrgID:               req.OrgID,
		Name:                req.Name,
		Permissions:         NewPermissionSet(req.Permissions...),
		ResourcePermissions: req.ResourcePermissions,
		InheritsFrom:        req.InheritsFrom,
		IsActive:            active,
	})
	if err != nil {
		h.logAudit(ctx, audit.EventTypeRoleCreate, "", req.OrgID, "", err)
		writeError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeRoleCreate, role.ID, role.OrgID, "", nil)
	httputil.WriteCreated(w, role)
}

// ListRoles lists dynamic roles, optionally filtered by ?orgId=
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.engine.ListRoles(r.Context(), httputil.ParseQueryString(r, "orgId", ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*Role{}
	}
	httputil.WriteSuccess(w, roles)
}

// GetRole retrieves a specific role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.engine.GetRole(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole applies a partial update
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var patch RolePatch
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}

	role, err := h.engine.UpdateRole(ctx, id, patch)
	if err != nil {
		h.logAudit(ctx, audit.EventTypeRoleUpdate, id, "", "", err)
		writeError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeRoleUpdate, role.ID, role.OrgID, "", nil)
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a role and its assignments
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	deleted, err := h.engine.DeleteRole(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, autherr.ConfigNotFound("role %s not found", id))
		return
	}

	h.logAudit(ctx, audit.EventTypeRoleDelete, id, "", "", nil)
	httputil.WriteSuccess(w, map[string]bool{"deleted": true})
}

// AssignRoleToUser assigns a dynamic role to a user
func (h *Handlers) AssignRoleToUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]

	var req struct {
		RoleID string `json:"roleId"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.RoleID, "roleId") {
		return
	}

	assignment, err := h.engine.AssignRoleToUser(ctx, userID, req.RoleID)
	if err != nil {
		h.logAudit(ctx, audit.EventTypeRoleAssign, req.RoleID, "", userID, err)
		writeError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeRoleAssign, req.RoleID, "", userID, nil)
	httputil.WriteCreated(w, assignment)
}

// GetUserRoles lists the dynamic roles assigned to a user
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.engine.GetUserRoles(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// RemoveRoleFromUser revokes a dynamic role from a user
func (h *Handlers) RemoveRoleFromUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	userID, roleID := vars["userId"], vars["roleId"]

	removed, err := h.engine.RemoveRoleFromUser(ctx, userID, roleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, autherr.ConfigNotFound("role %s is not assigned to user %s", roleID, userID))
		return
	}

	h.logAudit(ctx, audit.EventTypeRoleRevoke, roleID, "", userID, nil)
	httputil.WriteSuccess(w, map[string]bool{"removed": true})
}

// UserPermissionsResponse is the body of GET /rbac/users/{userId}/permissions.
type UserPermissionsResponse struct {
	UserID      string        `json:"userId"`
	Resource    string        `json:"resource,omitempty"`
	Permissions PermissionSet `json:"permissions"`
}

// GetUserPermissions returns a user's effective permissions
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mux.Vars(r)["userId"]
	resource := httputil.ParseQueryString(r, "resource", "")

	user, err := h.engine.User(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	perms, err := h.engine.GetUserPermissions(ctx, user, resource)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, UserPermissionsResponse{UserID: userID, Resource: resource, Permissions: perms})
}

// CheckRequest is the body of POST /rbac/check.
type CheckRequest struct {
	UserID     string `json:"userId"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	OwnerID    string `json:"ownerId,omitempty"`
	Department string `json:"department,omitempty"`
}

// CheckResponse is the result of an access check.
type CheckResponse struct {
	Allowed bool `json:"allowed"`
}

// CheckAccess evaluates CanAccessResource for a user
func (h *Handlers) CheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "userId") ||
		!httputil.RequireNonEmpty(w, req.Resource, "resource") ||
		!httputil.RequireNonEmpty(w, req.Action, "action") {
		return
	}

	user, err := h.engine.User(ctx, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	allowed, err := h.engine.CanAccessResource(ctx, user, req.Resource, req.Action, AccessAttributes{
		OwnerID:    req.OwnerID,
		Department: req.Department,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !allowed {
		h.auditLogger.Log(ctx, &audit.AuditEvent{
			EventType: audit.EventTypeAccessDenied,
			Status:    audit.EventStatusDenied,
			UserID:    req.UserID,
			Metadata: map[string]interface{}{
				"resource": req.Resource,
				"action":   req.Action,
			},
		})
	}
	httputil.WriteSuccess(w, CheckResponse{Allowed: allowed})
}

func (h *Handlers) logAudit(ctx context.Context, eventType audit.EventType, roleID, orgID, userID string, err error) {
	event := &audit.AuditEvent{
		EventType: eventType,
		Status:    audit.EventStatusSuccess,
		RoleID:    roleID,
		OrgID:     orgID,
		UserID:    userID,
	}
	if err != nil {
		event.Status = audit.EventStatusFailure
		event.ErrorMessage = err.Error()
	}
	h.auditLogger.Log(ctx, event)
}
